package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/appspec"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
)

func (s *runtimeState) newAppsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the apps this broker can transact with",
		RunE: func(cmd *cobra.Command, args []string) error {
			type methodInfo struct {
				Name      string   `json:"name"`
				Direction string   `json:"direction"`
				Inputs    []string `json:"inputs"`
			}
			type appInfo struct {
				Name        string       `json:"name"`
				Description string       `json:"description"`
				Methods     []methodInfo `json:"methods"`
			}

			var infos []appInfo
			var plain strings.Builder
			for _, name := range appspec.Names() {
				app, _ := appspec.Lookup(name)
				info := appInfo{Name: app.Name, Description: app.Description}
				fmt.Fprintf(&plain, "%s - %s\n", app.Name, app.Description)
				for i := range app.Methods {
					m := &app.Methods[i]
					info.Methods = append(info.Methods, methodInfo{
						Name:      m.Name,
						Direction: string(m.Direction),
						Inputs:    m.Inputs,
					})
					fmt.Fprintf(&plain, "  %s %s(%s)\n", m.Direction, m.Name, strings.Join(m.Inputs, ", "))
				}
				infos = append(infos, info)
			}
			return s.emit(cmd.OutOrStdout(), strings.TrimRight(plain.String(), "\n"), infos)
		},
	}
}

// parseParams reads raw parameters from a JSON object plus any k=v
// overrides. JSON keeps lists and numbers typed; k=v is convenient for
// quick scalar input.
func parseParams(jsonParams string, pairs []string) (map[string]any, error) {
	raw := map[string]any{}
	if jsonParams != "" {
		if err := json.Unmarshal([]byte(jsonParams), &raw); err != nil {
			return nil, brokererr.Wrap(brokererr.KindParameterValidation, "parse --params JSON", err)
		}
	}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, brokererr.Newf(brokererr.KindParameterValidation, "parameter %q is not key=value", pair)
		}
		raw[k] = v
	}
	return raw, nil
}

func (s *runtimeState) newPrepareCommand() *cobra.Command {
	var (
		jsonParams string
		setPairs   []string
		confirmNow bool
		pinCode    string
	)
	cmd := &cobra.Command{
		Use:   "prepare <app> <method>",
		Short: "Prepare a transaction and show its preview",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			raw, err := parseParams(jsonParams, setPairs)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()
			if err := s.ensurePipeline(ctx); err != nil {
				return err
			}

			tx, view, err := s.pipeline.Prepare(ctx, userID, args[0], args[1], raw)
			if err != nil {
				return err
			}
			if !confirmNow {
				plain := view.Render() + "Run confirm to execute, cancel to abandon."
				return s.emit(cmd.OutOrStdout(), plain, map[string]any{
					"id":      tx.ID,
					"state":   tx.State,
					"preview": view,
				})
			}

			done, err := s.pipeline.Confirm(ctx, userID, pinCode)
			if err != nil {
				return err
			}
			return s.emit(cmd.OutOrStdout(), done.Describe(), map[string]any{
				"id":    done.ID,
				"state": done.State,
				"hash":  done.TxHash.Hex(),
			})
		},
	}
	cmd.Flags().StringVar(&jsonParams, "params", "", "Method parameters as a JSON object")
	cmd.Flags().StringArrayVar(&setPairs, "set", nil, "Set one parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&confirmNow, "yes", false, "Confirm and execute immediately")
	cmd.Flags().StringVar(&pinCode, "pin", "", "Wallet PIN (required with --yes unless cached)")
	return cmd
}

func (s *runtimeState) newConfirmCommand() *cobra.Command {
	var pinCode string
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Execute the pending transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()
			if err := s.ensurePipeline(ctx); err != nil {
				return err
			}
			done, err := s.pipeline.Confirm(ctx, userID, pinCode)
			if err != nil {
				return err
			}
			return s.emit(cmd.OutOrStdout(), done.Describe(), map[string]any{
				"id":    done.ID,
				"state": done.State,
				"hash":  done.TxHash.Hex(),
			})
		},
	}
	cmd.Flags().StringVar(&pinCode, "pin", "", "Wallet PIN (omit to use the cached one)")
	return cmd
}

func (s *runtimeState) newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Abandon the pending transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()
			if err := s.ensurePipeline(ctx); err != nil {
				return err
			}
			tx, err := s.pipeline.Cancel(userID)
			if err != nil {
				return err
			}
			return s.emit(cmd.OutOrStdout(), tx.Describe(), map[string]any{
				"id":    tx.ID,
				"state": tx.State,
			})
		},
	}
}

func (s *runtimeState) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pending transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()
			if err := s.ensurePipeline(ctx); err != nil {
				return err
			}
			tx, err := s.pipeline.Status(ctx, userID)
			if err != nil {
				return err
			}
			plain := tx.Describe()
			if tx.PreviewText != "" {
				plain += "\n" + strings.TrimRight(tx.PreviewText, "\n")
			}
			return s.emit(cmd.OutOrStdout(), plain, map[string]any{
				"id":      tx.ID,
				"state":   tx.State,
				"hash":    tx.TxHash.Hex(),
				"summary": tx.Summary,
			})
		},
	}
}

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List resolved transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()
			if err := s.ensurePipeline(ctx); err != nil {
				return err
			}
			entries, err := s.pipeline.History(userID, limit)
			if err != nil {
				return err
			}
			var plain strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&plain, "%s %s.%s [%s] %s %s\n",
					e.ResolvedAt.Format("2006-01-02 15:04"), e.App, e.Method, e.State, e.Summary, e.TxHash)
			}
			if len(entries) == 0 {
				plain.WriteString("no resolved transactions")
			}
			return s.emit(cmd.OutOrStdout(), strings.TrimRight(plain.String(), "\n"), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum entries to list")
	return cmd
}

func (s *runtimeState) newViewCommand() *cobra.Command {
	var (
		jsonParams string
		setPairs   []string
	)
	cmd := &cobra.Command{
		Use:   "view <app> <method>",
		Short: "Execute a read-only method",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			raw, err := parseParams(jsonParams, setPairs)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()
			if err := s.ensurePipeline(ctx); err != nil {
				return err
			}
			results, err := s.pipeline.View(ctx, userID, args[0], args[1], raw)
			if err != nil {
				return err
			}
			rendered := make([]string, len(results))
			for i, v := range results {
				rendered[i] = fmt.Sprint(v)
			}
			return s.emit(cmd.OutOrStdout(), strings.Join(rendered, "\n"), rendered)
		},
	}
	cmd.Flags().StringVar(&jsonParams, "params", "", "Method parameters as a JSON object")
	cmd.Flags().StringArrayVar(&setPairs, "set", nil, "Set one parameter as key=value (repeatable)")
	return cmd
}
