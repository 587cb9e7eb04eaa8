package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/agentcore/internal/swarm"
)

func main() {
	swarmPath := flag.String("swarm-db", "", "path to the swarm SQLite database to observe")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *swarm.DB
	if *swarmPath != "" {
		var err error
		db, err = swarm.Open(*swarmPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentcoretui: open swarm db: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	started := time.Now()
	provider := func() Snapshot {
		snap := Snapshot{Uptime: time.Since(started)}
		if db == nil {
			snap.LastError = "no --swarm-db configured; showing uptime only"
			return snap
		}
		tasks, err := db.GetAllTasks(ctx)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		sessions := make(map[string]struct{})
		for _, t := range tasks {
			sessions[t.SessionID] = struct{}{}
			switch t.Status {
			case swarm.StatusPending:
				snap.SwarmPending++
			case swarm.StatusClaimed:
				snap.SwarmClaimed++
			case swarm.StatusFailed:
				snap.SwarmFailed++
			}
		}
		snap.SwarmSessions = len(sessions)
		snap.LastEvent = fmt.Sprintf("%d tasks observed", len(tasks))
		return snap
	}

	if err := Run(ctx, provider); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agentcoretui: %v\n", err)
		os.Exit(1)
	}
}
