package core

// WalletManager wraps HDWallet helpers used to generate and import the
// addresses that feed the wallet-clustering heuristics (C3). It carries no
// ledger or payment-transaction state of its own.
type WalletManager struct{}

// NewWalletManager returns a stateless wallet manager.
func NewWalletManager() *WalletManager { return &WalletManager{} }

// Create generates a random HD wallet with the given entropy bits and returns it along
// with the mnemonic phrase. The wallet is not persisted to disk.
func (wm *WalletManager) Create(bits int) (*HDWallet, string, error) {
	return NewRandomWallet(bits)
}

// Import constructs a wallet from the provided mnemonic and optional passphrase.
func (wm *WalletManager) Import(mnemonic, passphrase string) (*HDWallet, error) {
	return WalletFromMnemonic(mnemonic, passphrase)
}

// DeriveAddresses derives n sequential receive addresses (account 0, indices
// [0,n)) from the wallet. Wallet clustering uses derived addresses from the
// same seed as a ground-truth positive example when tuning its heuristics.
func (wm *WalletManager) DeriveAddresses(w *HDWallet, n int) ([]Address, error) {
	out := make([]Address, 0, n)
	for i := 0; i < n; i++ {
		addr, err := w.NewAddress(0, uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
