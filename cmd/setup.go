package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/hiboss-dev/hiboss/internal/config"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "First-run setup: create your boss identity and token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup()
		},
	}
}

func runSetup() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := dial(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := callCtx()
	defer cancel()

	var check struct {
		SetupCompleted bool `json:"setupCompleted"`
	}
	if err := client.Call(ctx, protocol.MethodSetupCheck, nil, &check); err != nil {
		return err
	}
	if check.SetupCompleted {
		fmt.Println("Setup is already completed. Re-running will rotate the boss token.")
	}

	bossName := ""
	bossTimezone := time.Local.String()
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("What should your agents call you?").
				Placeholder("Boss").
				Value(&bossName),
			huh.NewInput().
				Title("Your timezone (IANA name)").
				Description("Used for daily session resets, e.g. Europe/Berlin").
				Value(&bossTimezone),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	if bossTimezone != "" {
		if _, err := time.LoadLocation(bossTimezone); err != nil {
			return fmt.Errorf("unknown timezone %q", bossTimezone)
		}
	}

	var result struct {
		BossToken string `json:"bossToken"`
	}
	params := map[string]string{
		"token":        resolveToken(),
		"bossName":     bossName,
		"bossTimezone": bossTimezone,
	}
	if err := client.Call(ctx, protocol.MethodSetupExecute, params, &result); err != nil {
		return err
	}
	seedBossProfile(cfg, bossName, bossTimezone)

	fmt.Println()
	fmt.Println("Setup complete. Your boss token (shown only once):")
	fmt.Println()
	fmt.Println("  ", result.BossToken)
	fmt.Println()
	fmt.Println("Export it as HIBOSS_TOKEN or pass --token to authenticated commands.")
	return nil
}

// seedBossProfile writes a starter BOSS.md for agent system prompts.
// An existing profile is never overwritten.
func seedBossProfile(cfg *config.Config, name, timezone string) {
	path := cfg.BossProfilePath()
	if _, err := os.Stat(path); err == nil {
		return
	}
	if name == "" {
		name = "Boss"
	}
	profile := fmt.Sprintf("Name: %s\nTimezone: %s\n", name, timezone)
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		fmt.Println("could not write boss profile:", err)
	}
}
