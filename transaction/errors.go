package transaction

import "errors"

var (
	// ErrTooLargeTransaction indicates the transaction exceeded SizeLimit.
	ErrTooLargeTransaction = errors.New("transaction is too large")

	// ErrInvalidSigner indicates the signer isn't a participant.
	ErrInvalidSigner = errors.New("invalid signer")

	// ErrInvalidNonce indicates the nonce isn't the signer's next nonce.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrInvalidSignature indicates the signature is invalid.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidContent indicates the transaction's content is invalid.
	ErrInvalidContent = errors.New("transaction content is invalid")

	// ErrTooManyInMempool indicates the signer has too many transactions
	// pending.
	ErrTooManyInMempool = errors.New("signer has too many transactions in the mempool")

	// ErrProvidedAddedToMempool indicates a provided transaction was offered
	// to the mempool.
	ErrProvidedAddedToMempool = errors.New("provided transaction added to mempool")
)
