package tributary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/tributary/chain"
	"github.com/edgedlt/tributary/p2p"
	"github.com/edgedlt/tributary/tendermint"
	"github.com/edgedlt/tributary/transaction"
)

// network adapts a Blockchain to the system tendermint provides consensus
// over.
type network struct {
	genesis    [32]byte
	signer     *signer
	validators *Validators
	chain      *chain.Blockchain
	reader     transaction.Reader
	p2p        p2p.P2P
	seen       *seenMessages
	blockTime  time.Duration
	logger     *zap.Logger

	// onBlock is called after every block is added.
	onBlock func()
}

var _ tendermint.Network = (*network)(nil)

func (n *network) Signer() tendermint.Signer                   { return n.signer }
func (n *network) SignatureScheme() tendermint.SignatureScheme { return n.validators }
func (n *network) Weights() tendermint.Weights                 { return n.validators }

func (n *network) ReadBlock(data []byte) (tendermint.Block, error) {
	return chain.ReadSerializedBlock(data)
}

func (n *network) Broadcast(msg *tendermint.SignedMessage) {
	data := append([]byte{TendermintMessage}, msg.Bytes()...)
	// Our own messages echoed back by peers needn't be gossiped again
	if err := n.seen.add(messageID(data[1:])); err != nil {
		n.logger.Error("could not mark message as seen", zap.Error(err))
	}
	n.p2p.Broadcast(p2p.KindTributary, n.genesis, data)
}

func (n *network) Slash(validator tendermint.ValidatorID, event tendermint.SlashEvent) {
	var tx *chain.EvidenceTx
	if len(event.Evidence) != 0 {
		tx = chain.NewSlashEvidence(event.Evidence...)
	} else {
		if !n.signer.validator {
			return
		}
		tx = chain.NewSlashVote(n.signer, n.genesis, validator, event)
	}

	n.logger.Error("validator triggered a slash event",
		zap.Stringer("validator", validator),
		zap.Uint64("block", event.Block),
		zap.Uint32("round", event.Round),
		zap.Bool("evidence", tx.Vote == nil))

	added, err := n.chain.AddTransaction(true, tx)
	if err != nil {
		n.logger.Error("could not add slash transaction", zap.Error(err))
		return
	}
	if added {
		n.p2p.Broadcast(p2p.KindTributary, n.genesis, transactionMessage(tx))
	}
}

func (n *network) Validate(block tendermint.Block) error {
	b, err := chain.DecodeBlock(block.Bytes(), n.reader)
	if err != nil {
		return fmt.Errorf("%w: %w", tendermint.ErrFatal, err)
	}
	err = n.chain.VerifyBlock(b, false)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chain.ErrNonLocalProvided), errors.Is(err, chain.ErrStorage):
		return fmt.Errorf("%w: %w", tendermint.ErrTemporal, err)
	default:
		return fmt.Errorf("%w: %w", tendermint.ErrFatal, err)
	}
}

// AddBlock adds a block a supermajority committed to. Storage failures are
// retried once per block time. A block the chain rejects means the
// validators diverged from this implementation, and halts the node.
func (n *network) AddBlock(ctx context.Context, block tendermint.Block, commit *tendermint.Commit) tendermint.Block {
	if !tendermint.VerifyCommit(n.validators, n.validators, block.ID(), commit) {
		panic(fmt.Sprintf("tendermint produced an invalid commit for %x", block.ID()))
	}

	b, err := chain.DecodeBlock(block.Bytes(), n.reader)
	if err != nil {
		panic(fmt.Sprintf("validators added an undecodable block to tributary %x: %v", n.genesis, err))
	}

	encodedCommit := commit.Bytes()
	for {
		err := n.chain.AddBlock(b, encodedCommit)
		if err == nil {
			break
		}
		if !errors.Is(err, chain.ErrStorage) {
			panic(fmt.Sprintf("validators added an invalid block to tributary %x: %v", n.genesis, err))
		}
		n.logger.Error("could not add block, retrying", zap.Error(err))
		if !n.sleep(ctx) {
			return nil
		}
	}

	msg := append([]byte{BlockMessage}, block.Bytes()...)
	n.p2p.Broadcast(p2p.KindTributary, n.genesis, append(msg, encodedCommit...))
	if n.onBlock != nil {
		n.onBlock()
	}

	for {
		next, err := n.chain.BuildBlock()
		if err == nil {
			return chain.SerializedBlock(next.Bytes())
		}
		n.logger.Error("could not build block, retrying", zap.Error(err))
		if !n.sleep(ctx) {
			return nil
		}
	}
}

func (n *network) sleep(ctx context.Context) bool {
	t := time.NewTimer(n.blockTime)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func transactionMessage(tx transaction.Transaction) []byte {
	return append([]byte{TransactionMessage}, chain.EncodeTx(tx)...)
}
