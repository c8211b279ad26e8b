package app

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
)

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Manage signing wallets"}
	root.AddCommand(s.newWalletCreateCommand())
	root.AddCommand(s.newWalletImportCommand())
	root.AddCommand(s.newWalletListCommand())
	root.AddCommand(s.newWalletUseCommand())
	return root
}

func (s *runtimeState) newWalletCreateCommand() *cobra.Command {
	var pinCode string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a new wallet protected by a PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			addr, err := s.wallets.Create(userID, pinCode)
			if err != nil {
				return err
			}
			return s.emit(cmd.OutOrStdout(), "created wallet "+addr.Hex(), map[string]any{
				"address": addr.Hex(),
			})
		},
	}
	cmd.Flags().StringVar(&pinCode, "pin", "", "PIN protecting the new wallet")
	return cmd
}

func (s *runtimeState) newWalletImportCommand() *cobra.Command {
	var pinCode, keyHex string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a private key protected by a PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			addr, err := s.wallets.Import(userID, pinCode, keyHex)
			if err != nil {
				return err
			}
			return s.emit(cmd.OutOrStdout(), "imported wallet "+addr.Hex(), map[string]any{
				"address": addr.Hex(),
			})
		},
	}
	cmd.Flags().StringVar(&pinCode, "pin", "", "PIN protecting the wallet")
	cmd.Flags().StringVar(&keyHex, "key", "", "Hex-encoded private key")
	return cmd
}

func (s *runtimeState) newWalletListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored wallets, marking the active one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			addrs, err := s.wallets.List(userID)
			if err != nil {
				return err
			}
			active, _ := s.wallets.Active(userID)

			type walletInfo struct {
				Address string `json:"address"`
				Active  bool   `json:"active"`
			}
			var infos []walletInfo
			var plain strings.Builder
			for _, addr := range addrs {
				mark := " "
				if addr == active {
					mark = "*"
				}
				fmt.Fprintf(&plain, "%s %s\n", mark, addr.Hex())
				infos = append(infos, walletInfo{Address: addr.Hex(), Active: addr == active})
			}
			if len(addrs) == 0 {
				plain.WriteString("no wallets stored")
			}
			return s.emit(cmd.OutOrStdout(), strings.TrimRight(plain.String(), "\n"), infos)
		},
	}
}

func (s *runtimeState) newWalletUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "use <address>",
		Short: "Switch the active wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := s.requireUser()
			if err != nil {
				return err
			}
			if !common.IsHexAddress(args[0]) {
				return brokererr.Param("address", "not a valid address")
			}
			addr := common.HexToAddress(args[0])
			if err := s.wallets.SetActive(userID, addr); err != nil {
				return err
			}
			return s.emit(cmd.OutOrStdout(), "active wallet "+addr.Hex(), map[string]any{
				"address": addr.Hex(),
			})
		},
	}
}
