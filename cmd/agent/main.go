// Command agent is a reference OrbitMesh agent: it connects to the control
// plane's WebSocket endpoint, reports heartbeats, and executes jobs pushed
// to it. Grounded on the teacher's cmd/agent entrypoint (serverURL/agentID/
// concurrency flags, connect-then-block-until-signal shape).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iyulab/orbitmesh/internal/agentclient"
)

func main() {
	var (
		serverURL      string
		agentID        string
		maxConcurrency int
	)

	root := &cobra.Command{
		Use:   "orbitmesh-agent",
		Short: "OrbitMesh reference agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent-id is required")
			}
			c := agentclient.New(serverURL+"/"+agentID, agentID, maxConcurrency, nil)
			if err := c.Connect(); err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				c.Stop()
			}()

			c.Run()
			return nil
		},
	}
	root.Flags().StringVar(&serverURL, "server", "ws://localhost:8080/wss", "control plane WebSocket base URL; the agent id is appended as the final path segment")
	root.Flags().StringVar(&agentID, "agent-id", "", "unique agent identifier")
	root.Flags().IntVar(&maxConcurrency, "max-concurrency", 4, "concurrency value handed to the agent client; the client does not cap concurrent jobs with it")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
