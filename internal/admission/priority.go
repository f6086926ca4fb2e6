package admission

import (
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// Weights share of each factor in the priority score, summing to 1
type Weights struct {
	Type      float64
	Size      float64
	Submitter float64
	Age       float64
}

// DefaultWeights type 0.4, size 0.3, submitter 0.2, age 0.1
var DefaultWeights = Weights{Type: 0.4, Size: 0.3, Submitter: 0.2, Age: 0.1}

// operationWeights favors cheap reads over heavy rewrites
var operationWeights = map[types.OperationType]float64{
	types.OpRead:       0.9,
	types.OpSearch:     0.85,
	types.OpList:       0.8,
	types.OpDownload:   0.7,
	types.OpWrite:      0.6,
	types.OpUpload:     0.6,
	types.OpCopy:       0.5,
	types.OpMove:       0.5,
	types.OpRename:     0.5,
	types.OpDecompress: 0.4,
	types.OpDelete:     0.3,
	types.OpCompress:   0.2,
}

const (
	unknownOperationWeight = 0.5
	neutralSubmitterWeight = 0.5

	mib = int64(1) << 20
	gib = int64(1) << 30
)

// PriorityCalculator derives a [0,1] priority from a Request
type PriorityCalculator struct {
	weights          Weights
	maxAge           time.Duration
	submitterWeights map[string]float64
	now              func() time.Time
}

// NewPriorityCalculator creates a calculator. submitterWeights may be nil.
func NewPriorityCalculator(weights Weights, maxAge time.Duration, submitterWeights map[string]float64) *PriorityCalculator {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	sw := make(map[string]float64, len(submitterWeights))
	for k, v := range submitterWeights {
		sw[k] = types.Clamp01(v)
	}
	return &PriorityCalculator{
		weights:          weights,
		maxAge:           maxAge,
		submitterWeights: sw,
		now:              time.Now,
	}
}

// WithClock replaces the time source used for age, for tests
func (p *PriorityCalculator) WithClock(now func() time.Time) *PriorityCalculator {
	p.now = now
	return p
}

// Priority computes the weighted score for req, clamped to [0,1]
func (p *PriorityCalculator) Priority(req types.Request) float64 {
	score := p.weights.Type*TypeWeight(req.Type) +
		p.weights.Size*SizeWeight(req.Size) +
		p.weights.Submitter*p.submitterWeight(req.Submitter) +
		p.weights.Age*p.ageWeight(req.SubmittedAt)
	return types.Clamp01(score)
}

// TypeWeight lookup for an operation, 0.5 when unknown
func TypeWeight(op types.OperationType) float64 {
	if w, ok := operationWeights[op]; ok {
		return w
	}
	return unknownOperationWeight
}

// SizeWeight favors small payloads
func SizeWeight(size int64) float64 {
	switch {
	case size < mib:
		return 1.0
	case size < 10*mib:
		return 0.8
	case size < 100*mib:
		return 0.5
	case size < gib:
		return 0.3
	default:
		return 0.1
	}
}

func (p *PriorityCalculator) submitterWeight(submitter string) float64 {
	if w, ok := p.submitterWeights[submitter]; ok {
		return w
	}
	return neutralSubmitterWeight
}

// ageWeight decays linearly from 1 at submission to 0 at maxAge
func (p *PriorityCalculator) ageWeight(submittedAt time.Time) float64 {
	if submittedAt.IsZero() {
		return 1
	}
	age := p.now().Sub(submittedAt)
	if age <= 0 {
		return 1
	}
	return types.Clamp01(1 - float64(age)/float64(p.maxAge))
}
