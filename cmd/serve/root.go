package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/kvcore/cmd/util"
	"github.com/ValentinKolb/kvcore/lib/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Version is reported by /info; the root command sets it
var Version = "dev"

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open a durable store and serve its metrics and status",
	Long: `Open the store in the data directory (recovering snapshot and WAL), then
serve /metrics, /info and /healthz until SIGINT or SIGTERM. On shutdown the
WAL is flushed and, unless disabled, a final snapshot is written.

Every flag can also be set as environment variable KVCORE_<FLAG>
(e.g. KVCORE_DATA_DIR=/var/lib/kvcore).`,
	RunE: run,
}

func init() {
	cmdUtil.SetupStoreFlags(ServeCmd)

	key := "listen"
	ServeCmd.Flags().String(key, ":9100", cmdUtil.WrapString("Address of the operational HTTP endpoint"))

	key = "shutdown-timeout"
	ServeCmd.Flags().Duration(key, 30*time.Second, cmdUtil.WrapString("Upper bound for the graceful shutdown of the HTTP server and the final snapshot"))
}

func run(cmd *cobra.Command, _ []string) error {
	conf, err := cmdUtil.GetStoreConfig()
	if err != nil {
		return err
	}
	timeout := viper.GetDuration("shutdown-timeout")
	conf.CloseTimeout = timeout

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(conf)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", viper.GetString("listen"))
	if err != nil {
		return multierr.Append(fmt.Errorf("listen: %w", err), s.Close())
	}

	return multierr.Append(Serve(ctx, listener, s, timeout), s.Close())
}

// Serve runs the operational HTTP API on listener until ctx is done. It does
// not close the store.
func Serve(ctx context.Context, listener net.Listener, s *store.Store, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Handler:           NewRouter(s, Version),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("serving %s on %s", s.Dir(), listener.Addr())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
