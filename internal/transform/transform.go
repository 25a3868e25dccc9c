// Package transform rewrites the module state carried by a device status.
package transform

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/casplaer/XMLProcessingSystem/internal/model"
	"github.com/casplaer/XMLProcessingSystem/internal/statusdoc"
)

var ErrEmptyDocument = errors.New("status document is empty")

// StateSource decides the state a module reports next.
type StateSource interface {
	NextState(id model.Identity, previous string) string
}

// RandomSource draws uniformly from model.ModuleStates. It stands in for a
// live device driver.
type RandomSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomSource returns a source backed by rnd, or by a time-seeded
// generator when rnd is nil.
func NewRandomSource(rnd *rand.Rand) *RandomSource {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomSource{rnd: rnd}
}

func (s *RandomSource) NextState(model.Identity, string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.ModuleStates[s.rnd.Intn(len(model.ModuleStates))]
}

type Transformer struct {
	source StateSource
}

func New(source StateSource) *Transformer {
	if source == nil {
		source = NewRandomSource(nil)
	}
	return &Transformer{source: source}
}

// Transform replaces the ModuleState of dev's status document with the next
// state for its identity. On error dev is left untouched.
func (t *Transformer) Transform(packageID string, dev *model.DeviceStatus) (previous, next string, err error) {
	if dev == nil || strings.TrimSpace(dev.StatusDocument) == "" {
		return "", "", ErrEmptyDocument
	}

	leaf, err := statusdoc.Find(dev.StatusDocument)
	if err != nil {
		return "", "", err
	}

	next = t.source.NextState(dev.Identity(packageID), leaf.Value)
	doc, previous, err := statusdoc.Replace(dev.StatusDocument, next)
	if err != nil {
		return "", "", err
	}
	dev.StatusDocument = doc
	return previous, next, nil
}
