package oracle

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

const TopicAnswer = "oracle.answer"

// Answer is one reported round of the reference feed.
type Answer struct {
	Token     common.Address `json:"token"`
	Round     uint64         `json:"round"`
	Answer    fixed.Amount   `json:"answer"`
	UpdatedAt uint64         `json:"updatedAt"`
}

type roundKey struct {
	token common.Address
	round uint64
}

// ReferenceFeed is the round-based reference source. Reporters append answers in
// the token's feed decimals; rounds are numbered from 1 and never rewritten.
type ReferenceFeed struct {
	state  *chain.State
	gov    *gov.Governor
	logger log.Logger

	latest  *chain.Map[common.Address, uint64]
	answers *chain.Map[roundKey, Answer]
}

func NewReferenceFeed(g *gov.Governor, logger log.Logger) *ReferenceFeed {
	s := g.State()
	return &ReferenceFeed{
		state:   s,
		gov:     g,
		logger:  logger,
		latest:  chain.NewMap[common.Address, uint64](s),
		answers: chain.NewMap[roundKey, Answer](s),
	}
}

// Report appends a new round for token. Reporters and governance may call it.
func (f *ReferenceFeed) Report(ctx context.Context, caller, token common.Address, answer fixed.Amount) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		if caller != f.gov.Gov() && !f.gov.HasRole(gov.RoleReporter, caller) {
			return f.gov.Err(errs.Forbidden)
		}
		if answer.IsZero() {
			return f.gov.Err(errs.OracleInvalidPrice)
		}
		round := f.latest.Get(token) + 1
		a := Answer{Token: token, Round: round, Answer: answer, UpdatedAt: f.state.Block().Time}
		f.latest.Set(token, round)
		f.answers.Set(roundKey{token, round}, a)
		f.state.Emit(TopicAnswer, a)
		return nil
	})
}

// LatestRound returns the newest round id, or 0 when nothing was reported.
func (f *ReferenceFeed) LatestRound(token common.Address) uint64 {
	return f.latest.Get(token)
}

func (f *ReferenceFeed) Round(token common.Address, round uint64) (Answer, bool) {
	return f.answers.Lookup(roundKey{token, round})
}

// Latest returns the newest answer for token.
func (f *ReferenceFeed) Latest(token common.Address) (Answer, bool) {
	return f.Round(token, f.latest.Get(token))
}
