package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leviathan-sh/leviathan/pkg/api"
	"github.com/leviathan-sh/leviathan/pkg/autonomy"
	"github.com/leviathan-sh/leviathan/pkg/journal"
	"github.com/leviathan-sh/leviathan/pkg/projection"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane (journal, projection, API)",
	Long: `Run the control-plane process: the event journal, the projection that
folds it into the live graph, and the HTTP API that workers, schedulers,
and operators talk to.

The journal backend is file-based by default; pass --postgres-dsn to use
PostgreSQL instead.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("listen", "127.0.0.1:8080", "API listen address")
	serverCmd.Flags().String("data-dir", "", "Data directory (default $LEVIATHAN_DATA_DIR or ./leviathan-data)")
	serverCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN for the journal (file journal when empty)")
	serverCmd.Flags().String("autonomy-config", "", "Autonomy kill-switch file (default <data-dir>/autonomy.yaml)")
	serverCmd.Flags().Bool("rebuild-projection", false, "Discard the projection snapshot and replay the journal")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	token, err := apiToken()
	if err != nil {
		return err
	}
	listen, _ := cmd.Flags().GetString("listen")
	dsn, _ := cmd.Flags().GetString("postgres-dsn")
	rebuild, _ := cmd.Flags().GetBool("rebuild-projection")
	dir := dataDir(cmd)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %v", err)
	}

	var j journal.Journal
	if dsn != "" {
		sj, err := journal.OpenSQLJournal(dsn)
		if err != nil {
			return fmt.Errorf("open sql journal: %v", err)
		}
		defer sj.Close()
		j = sj
	} else {
		fj, err := journal.OpenFileJournal(filepath.Join(dir, "journal"))
		if err != nil {
			return fmt.Errorf("open file journal: %v", err)
		}
		defer fj.Close()
		j = fj
	}

	broker := journal.NewBroker()
	broker.Start()
	defer broker.Stop()

	snapshots, err := projection.OpenSnapshotStore(dir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %v", err)
	}
	defer snapshots.Close()

	projector, err := projection.NewProjector(j, broker, snapshots, projection.Options{RebuildOnStart: rebuild})
	if err != nil {
		return fmt.Errorf("start projection: %v", err)
	}
	if err := projector.Start(context.Background()); err != nil {
		return fmt.Errorf("start projection: %v", err)
	}
	defer projector.Stop()
	fmt.Println("✓ Projection caught up")

	autonomyPath, _ := cmd.Flags().GetString("autonomy-config")
	if autonomyPath == "" {
		autonomyPath = filepath.Join(dir, "autonomy.yaml")
	}
	checker := autonomy.NewChecker(autonomyPath)

	server := api.NewServer(j, broker, projector, checker, api.Config{
		ListenAddr: listen,
		Token:      token,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	fmt.Printf("✓ Control plane listening on %s\n", listen)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		return fmt.Errorf("api server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
