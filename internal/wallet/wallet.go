// Package wallet manages per-user keys. Each key lives in a standard
// encrypted keystore JSON file, with the user's PIN as the passphrase;
// plaintext keys never touch disk.
package wallet

import (
	"crypto/ecdsa"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
)

const activeMarker = "active"

// Manager stores each user's wallets under its own directory and tracks
// which one is active.
type Manager struct {
	dir     string
	scryptN int
	scryptP int
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir, scryptN: keystore.StandardScryptN, scryptP: keystore.StandardScryptP}
}

// NewLightManager uses light scrypt parameters. Only for tests.
func NewLightManager(dir string) *Manager {
	return &Manager{dir: dir, scryptN: keystore.LightScryptN, scryptP: keystore.LightScryptP}
}

func (m *Manager) userDir(userID int64) string {
	return filepath.Join(m.dir, strconv.FormatInt(userID, 10))
}

func (m *Manager) keyPath(userID int64, addr common.Address) string {
	return filepath.Join(m.userDir(userID), strings.ToLower(addr.Hex())+".json")
}

// Create generates a new key for the user, encrypts it under the PIN,
// and makes it the active wallet.
func (m *Manager) Create(userID int64, pin string) (common.Address, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, brokererr.Wrap(brokererr.KindInternal, "generate key", err)
	}
	return m.store(userID, pin, priv)
}

// Import stores an existing hex-encoded private key under the PIN and
// makes it the active wallet.
func (m *Manager) Import(userID int64, pin, hexKey string) (common.Address, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return common.Address{}, brokererr.Wrap(brokererr.KindParameterValidation, "invalid private key", err)
	}
	return m.store(userID, pin, priv)
}

func (m *Manager) store(userID int64, pin string, priv *ecdsa.PrivateKey) (common.Address, error) {
	if pin == "" {
		return common.Address{}, brokererr.New(brokererr.KindParameterValidation, "a PIN is required to protect the wallet")
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    addr,
		PrivateKey: priv,
	}
	encrypted, err := keystore.EncryptKey(key, pin, m.scryptN, m.scryptP)
	ZeroKey(priv)
	if err != nil {
		return common.Address{}, brokererr.Wrap(brokererr.KindInternal, "encrypt key", err)
	}

	if err := os.MkdirAll(m.userDir(userID), 0o700); err != nil {
		return common.Address{}, brokererr.Wrap(brokererr.KindInternal, "create wallet directory", err)
	}
	if err := os.WriteFile(m.keyPath(userID, addr), encrypted, 0o600); err != nil {
		return common.Address{}, brokererr.Wrap(brokererr.KindInternal, "write wallet file", err)
	}
	if err := m.SetActive(userID, addr); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// Active returns the user's active wallet address.
func (m *Manager) Active(userID int64) (common.Address, error) {
	raw, err := os.ReadFile(filepath.Join(m.userDir(userID), activeMarker))
	if err != nil {
		return common.Address{}, brokererr.New(brokererr.KindWalletLocked, "no wallet configured, create or import one first")
	}
	addr := strings.TrimSpace(string(raw))
	if !common.IsHexAddress(addr) {
		return common.Address{}, brokererr.New(brokererr.KindInternal, "wallet marker is corrupt")
	}
	return common.HexToAddress(addr), nil
}

// SetActive switches the user's active wallet to an already stored one.
func (m *Manager) SetActive(userID int64, addr common.Address) error {
	if _, err := os.Stat(m.keyPath(userID, addr)); err != nil {
		return brokererr.Newf(brokererr.KindParameterValidation, "wallet %s is not stored for this user", addr.Hex())
	}
	path := filepath.Join(m.userDir(userID), activeMarker)
	if err := os.WriteFile(path, []byte(addr.Hex()+"\n"), 0o600); err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "write wallet marker", err)
	}
	return nil
}

// List returns the user's stored wallet addresses.
func (m *Manager) List(userID int64) ([]common.Address, error) {
	entries, err := os.ReadDir(m.userDir(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, brokererr.Wrap(brokererr.KindInternal, "read wallet directory", err)
	}
	var addrs []common.Address
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		candidate := strings.TrimSuffix(name, ".json")
		if common.IsHexAddress(candidate) {
			addrs = append(addrs, common.HexToAddress(candidate))
		}
	}
	return addrs, nil
}

// Decrypt loads the user's active wallet key using the PIN. A wrong PIN
// surfaces as an incorrect-PIN error and nothing else; callers must not
// leak more detail.
func (m *Manager) Decrypt(userID int64, pin string) (*keystore.Key, error) {
	addr, err := m.Active(userID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(m.keyPath(userID, addr))
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "read wallet file", err)
	}
	key, err := keystore.DecryptKey(raw, pin)
	if err != nil {
		return nil, brokererr.New(brokererr.KindPinIncorrect, "incorrect PIN")
	}
	if key.Address != addr {
		ZeroKey(key.PrivateKey)
		return nil, brokererr.New(brokererr.KindInternal, "wallet file does not match its address")
	}
	return key, nil
}

// ZeroKey wipes a private key's scalar from memory.
func ZeroKey(priv *ecdsa.PrivateKey) {
	if priv == nil || priv.D == nil {
		return
	}
	bits := priv.D.Bits()
	for i := range bits {
		bits[i] = 0
	}
}
