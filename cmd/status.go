package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiboss-dev/hiboss/internal/daemon"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !daemon.Probe(cfg.PidPath(), cfg.SocketPath(), 2*time.Second) {
		fmt.Println("daemon: not running")
		return nil
	}

	client, err := dial(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := callCtx()
	defer cancel()

	var st struct {
		PID              int      `json:"pid"`
		UptimeMs         int64    `json:"uptimeMs"`
		Agents           int      `json:"agents"`
		PendingEnvelopes int      `json:"pendingEnvelopes"`
		Adapters         []string `json:"adapters"`
	}
	params := map[string]string{"token": resolveToken()}
	if err := client.Call(ctx, protocol.MethodDaemonStatus, params, &st); err != nil {
		return err
	}

	fmt.Println("daemon: running")
	fmt.Printf("  pid:       %d\n", st.PID)
	fmt.Printf("  uptime:    %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("  agents:    %d\n", st.Agents)
	fmt.Printf("  pending:   %d envelopes\n", st.PendingEnvelopes)
	adapters := "none"
	if len(st.Adapters) > 0 {
		adapters = strings.Join(st.Adapters, ", ")
	}
	fmt.Printf("  adapters:  %s\n", adapters)
	return nil
}
