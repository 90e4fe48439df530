package shared

import "fmt"

// ReceivingLockKey builds redis keys for per-PO receiving critical sections.
func ReceivingLockKey(poID int64) string {
	return fmt.Sprintf("receiving:po:%d:lock", poID)
}

// LedgerLockKey builds redis keys for per-material ledger critical sections.
func LedgerLockKey(materialID int64) string {
	return fmt.Sprintf("ledger:material:%d:lock", materialID)
}
