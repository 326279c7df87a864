// Command researchctl is the operator tool for the research archive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/coachlab-research/internal/config"
	"github.com/ashureev/coachlab-research/internal/logging"
	"github.com/ashureev/coachlab-research/internal/research"
	"github.com/ashureev/coachlab-research/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var errInvalidCodes = errors.New("one or more codes are invalid")

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(config.Load, store.Open).Execute(); err != nil {
		os.Exit(1)
	}
}

type (
	loadConfigFunc func() (*config.Config, error)
	openStoreFunc  func(context.Context, config.StoreConfig) (store.Repository, error)
)

func newRootCmd(loadConfig loadConfigFunc, openStore openStoreFunc) *cobra.Command {
	root := &cobra.Command{
		Use:          "researchctl",
		Short:        "Operate the coaching research archive",
		SilenceUsage: true,
	}

	withStore := func(cmd *cobra.Command, fn func(*config.Config, store.Repository) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		slog.SetDefault(logging.New(cmd.ErrOrStderr(), logging.Options{Level: cfg.Log.Level, HashSalt: cfg.Log.HashSalt}))
		repo, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Warn("Failed to close store", "error", closeErr)
			}
		}()
		return fn(cfg, repo)
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create the research schema if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(cfg *config.Config, repo store.Repository) error {
				if err := repo.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("ping store: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s store ready\n", cfg.Store.Driver)
				return nil
			})
		},
	}

	var checkExists bool
	checkCode := &cobra.Command{
		Use:   "check-code CODE...",
		Short: "Validate research codes and optionally check they are assigned",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			format, err := research.NewCodeFormat(cfg.Research.CodePrefix, cfg.Research.CodeLength)
			if err != nil {
				return err
			}
			if !checkExists {
				return printCodeChecks(cmd.OutOrStdout(), format, args, nil)
			}
			return withStore(cmd, func(_ *config.Config, repo store.Repository) error {
				reg := research.NewRegistry(repo, format)
				return printCodeChecks(cmd.OutOrStdout(), format, args, func(code string) (bool, error) {
					return reg.Exists(cmd.Context(), code)
				})
			})
		},
	}
	checkCode.Flags().BoolVar(&checkExists, "exists", false, "also check that each code is assigned in the store")

	export := &cobra.Command{
		Use:   "export CODE",
		Short: "Print the archived session and transcript for a research code as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(cfg *config.Config, repo store.Repository) error {
				format, err := research.NewCodeFormat(cfg.Research.CodePrefix, cfg.Research.CodeLength)
				if err != nil {
					return err
				}
				transcript, err := research.NewArchiver(repo, format).LoadSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if transcript == nil {
					return fmt.Errorf("%w: %s", research.ErrNoSession, args[0])
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(transcript)
			})
		},
	}

	root.AddCommand(migrate, checkCode, export)
	return root
}

func printCodeChecks(w io.Writer, format research.CodeFormat, codes []string, exists func(string) (bool, error)) error {
	invalid := false
	for _, raw := range codes {
		code, err := format.Normalize(raw)
		if err != nil {
			fmt.Fprintf(w, "%s\tinvalid\n", raw)
			invalid = true
			continue
		}
		if exists == nil {
			fmt.Fprintf(w, "%s\tvalid\n", code)
			continue
		}
		ok, err := exists(code)
		if err != nil {
			return err
		}
		state := "unassigned"
		if ok {
			state = "assigned"
		}
		fmt.Fprintf(w, "%s\tvalid\t%s\n", code, state)
	}
	if invalid {
		return errInvalidCodes
	}
	return nil
}
