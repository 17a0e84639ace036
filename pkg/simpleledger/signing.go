package simpleledger

import (
	"fmt"
	"strconv"
	"strings"
)

const signingVersion = "simple-ledger/v1"

// SigningPayload returns the bytes a credential signs to authorize tx. It
// covers the ledger id, data root, size, content type and owner, so a
// signature cannot be replayed onto a different transaction.
func SigningPayload(tx *ContentTransaction) []byte {
	var b strings.Builder
	b.WriteString(signingVersion)
	b.WriteByte('\n')
	b.WriteString(tx.ID)
	b.WriteByte('\n')
	b.WriteString(tx.DataRoot.String())
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(tx.DataSize))
	b.WriteByte('\n')
	b.WriteString(tx.ContentType)
	b.WriteByte('\n')
	b.WriteString(tx.Owner)
	return []byte(b.String())
}

// SignTransaction signs tx locally with cred and moves it to Signed. The
// credential must own the transaction.
func SignTransaction(tx *ContentTransaction, cred Credential) error {
	if cred == nil {
		return fmt.Errorf("%w: no credential", ErrAuth)
	}
	if cred.Owner() != tx.Owner {
		return fmt.Errorf("%w: credential %s does not own tx %s", ErrAuth, cred.Address(), tx.ID)
	}
	sig, err := cred.Sign(SigningPayload(tx))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if len(sig) == 0 {
		return fmt.Errorf("%w: empty signature", ErrAuth)
	}
	tx.Signature = sig
	tx.Status = TransactionStatusSigned
	return nil
}
