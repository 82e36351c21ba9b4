package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/agentchat/internal/chat"
	"github.com/user/agentchat/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("agentchat setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. LLM endpoint
		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)

		maxTokensStr := prompt(scanner, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))
		if n, err := strconv.Atoi(maxTokensStr); err == nil {
			cfg.LLM.MaxTokens = n
		}

		// 2. Storage
		for {
			cfg.Storage.Driver = prompt(scanner, "Storage driver (sqlite|file)", cfg.Storage.Driver)
			if cfg.Storage.Driver == "sqlite" || cfg.Storage.Driver == "file" {
				break
			}
			fmt.Println("storage driver must be sqlite or file")
		}
		for {
			cfg.Durability = prompt(scanner, "Durability (best_effort|write_ahead)", cfg.Durability)
			if _, err := chat.ParseDurability(cfg.Durability); err == nil {
				break
			}
			fmt.Println("durability must be best_effort or write_ahead")
		}

		// 3. Identity and first agent
		cfg.UserID = prompt(scanner, "Your user id", cfg.UserID)
		if len(cfg.Agents) == 0 {
			cfg.Agents = append(cfg.Agents, config.Agent{ID: "assistant", Name: "Assistant"})
		}
		cfg.Agents[0].Name = prompt(scanner, "Default agent name", cfg.Agents[0].Name)
		cfg.Agents[0].SystemPrompt = prompt(scanner, "Default agent instructions (optional)", cfg.Agents[0].SystemPrompt)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
