// Package normalize turns raw vendor detection payloads into canonical
// detections.
//
// Every vendor payload shape is a Variant with its own Parser. Parsers work
// on untyped data (maps, slices, numbers and strings as produced by a JSON
// or protobuf-struct decoder) and fold over the vendor's records: a record
// that cannot be parsed is logged and dropped, and the rest of the batch is
// still returned. Adding a vendor means adding a Parser, never changing the
// shared helpers.
package normalize

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/types"
)

// Variant tags one vendor payload shape
type Variant string

const (
	VariantAzure        Variant = "azure"
	VariantGoogleAutoML Variant = "google-automl"
	VariantGoogleVertex Variant = "google-vertex"
	VariantVLM          Variant = "vlm"
)

// Vendor display names stamped on results
const (
	ServiceAzure  = "Azure Custom Vision"
	ServiceGoogle = "Google AutoML"
	ServiceVLM    = "Ollama Vision"
)

// UnknownTag replaces a missing label
const UnknownTag = "Unknown"

// ErrUnknownVariant is returned by Normalize for an unregistered variant
var ErrUnknownVariant = errors.New("unknown payload variant")

// Parser converts one vendor payload shape into canonical detections.
// Parse never fails: an empty or unusable payload yields no detections.
type Parser interface {
	Variant() Variant
	ServiceName() string
	Parse(raw any) []types.Detection
}

// DropObserver is notified about every record dropped during parsing
type DropObserver interface {
	ObserveDropped(service, reason string)
}

// Normalizer dispatches raw payloads to the parser registered for their variant
type Normalizer struct {
	mu      sync.RWMutex
	parsers map[Variant]Parser
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a normalizer with the built-in vendor parsers registered.
// observer may be nil.
func New(logger *zap.Logger, observer DropObserver) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Normalizer{
		parsers: make(map[Variant]Parser),
		logger:  logger,
		now:     time.Now,
	}
	n.Register(NewAzureParser(logger, observer))
	n.Register(NewAutoMLParser(logger, observer))
	n.Register(NewVertexParser(logger, observer))
	n.Register(NewVLMParser(logger, observer))
	return n
}

// Register adds or replaces the parser for p.Variant()
func (n *Normalizer) Register(p Parser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.parsers[p.Variant()] = p
}

// Parser returns the parser registered for a variant
func (n *Normalizer) Parser(v Variant) (Parser, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.parsers[v]
	return p, ok
}

// Variants lists the registered variants in sorted order
func (n *Normalizer) Variants() []Variant {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Variant, 0, len(n.parsers))
	for v := range n.parsers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Normalize parses raw with the parser for v and stamps the vendor display
// name, the elapsed time since started and the default threshold on the
// result. Only an unknown variant is an error.
func (n *Normalizer) Normalize(v Variant, raw any, started time.Time, threshold float64) (types.DetectionResult, error) {
	p, ok := n.Parser(v)
	if !ok {
		return types.DetectionResult{}, fmt.Errorf("%w: %q", ErrUnknownVariant, v)
	}

	detections := p.Parse(raw)

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = n.now().Sub(started)
		if elapsed < 0 {
			elapsed = 0
		}
	}

	n.logger.Debug("normalized vendor payload",
		zap.String("service", p.ServiceName()),
		zap.String("variant", string(v)),
		zap.Int("detections", len(detections)),
		zap.Duration("elapsed", elapsed))

	return types.NewDetectionResult(p.ServiceName(), detections, elapsed, threshold), nil
}
