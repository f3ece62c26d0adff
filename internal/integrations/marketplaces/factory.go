package marketplaces

import (
	"sync"

	"github.com/pkg/errors"
)

type Constructor func(creds Credentials) (Adapter, error)

// Factory — явный реестр адаптеров маркетплейсов; собирается на старте
// и инжектируется, без глобального состояния.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewFactory() *Factory {
	return &Factory{constructors: map[string]Constructor{}}
}

func (f *Factory) Register(channel string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[channel] = c
}

func (f *Factory) Supported() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.constructors))
	for ch := range f.constructors {
		out = append(out, ch)
	}
	return out
}

func (f *Factory) New(channel string, creds Credentials) (Adapter, error) {
	f.mu.RLock()
	c, ok := f.constructors[channel]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unsupported marketplace %q", channel)
	}
	a, err := c(creds)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s adapter", channel)
	}
	return a, nil
}
