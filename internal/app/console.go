package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
)

// newConsoleCommand runs an interactive session. The bot front end
// drives the broker through this loop: prepared transactions stay live
// in process memory between prepare and confirm.
func (s *runtimeState) newConsoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive broker session",
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

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprintln(out, "broker console, type help")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "quit" || line == "exit" {
					break
				}
				if err := s.dispatchConsole(cmd, userID, line); err != nil {
					fmt.Fprintln(out, renderError(err))
				}
			}
			return scanner.Err()
		},
	}
}

func (s *runtimeState) dispatchConsole(cmd *cobra.Command, userID int64, line string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	fields := strings.Fields(line)

	switch fields[0] {
	case "help":
		fmt.Fprintln(out, strings.TrimSpace(`
prepare <app> <method> [json params]   prepare a transaction
confirm [pin]                          execute the pending transaction
cancel                                 abandon the pending transaction
status                                 show the pending transaction
history [n]                            list resolved transactions
view <app> <method> [json params]      execute a read-only method
quit                                   leave the console`))
		return nil

	case "prepare", "view":
		if len(fields) < 3 {
			return brokererr.Newf(brokererr.KindParameterValidation, "usage: %s <app> <method> [json params]", fields[0])
		}
		raw := map[string]any{}
		if rest := strings.TrimSpace(strings.Join(fields[3:], " ")); rest != "" {
			if err := json.Unmarshal([]byte(rest), &raw); err != nil {
				return brokererr.Wrap(brokererr.KindParameterValidation, "parse params JSON", err)
			}
		}
		if fields[0] == "view" {
			results, err := s.pipeline.View(ctx, userID, fields[1], fields[2], raw)
			if err != nil {
				return err
			}
			for _, v := range results {
				fmt.Fprintln(out, v)
			}
			return nil
		}
		_, view, err := s.pipeline.Prepare(ctx, userID, fields[1], fields[2], raw)
		if err != nil {
			return err
		}
		fmt.Fprint(out, view.Render())
		fmt.Fprintln(out, "confirm to execute, cancel to abandon")
		return nil

	case "confirm":
		pinCode := ""
		if len(fields) > 1 {
			pinCode = fields[1]
		}
		tx, err := s.pipeline.Confirm(ctx, userID, pinCode)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tx.Describe())
		return nil

	case "cancel":
		tx, err := s.pipeline.Cancel(userID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tx.Describe())
		return nil

	case "status":
		tx, err := s.pipeline.Status(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tx.Describe())
		return nil

	case "history":
		limit := 10
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return brokererr.Param("limit", "must be an integer")
			}
			limit = n
		}
		entries, err := s.pipeline.History(userID, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "no resolved transactions")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s %s.%s [%s] %s %s\n",
				e.ResolvedAt.Format("2006-01-02 15:04"), e.App, e.Method, e.State, e.Summary, e.TxHash)
		}
		return nil

	default:
		return brokererr.Newf(brokererr.KindParameterValidation, "unknown command %q, type help", fields[0])
	}
}
