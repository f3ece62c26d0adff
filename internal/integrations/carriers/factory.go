package carriers

import (
	"sync"

	"github.com/pkg/errors"
)

// Constructor строит адаптер из сохранённых учётных данных подключения.
type Constructor func(creds Credentials) (Adapter, error)

// Factory — явный реестр конструкторов адаптеров. Собирается один раз на
// старте процесса и передаётся по ссылке; никакого глобального состояния.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewFactory() *Factory {
	return &Factory{constructors: map[string]Constructor{}}
}

func (f *Factory) Register(code string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[code] = c
}

func (f *Factory) Supported() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.constructors))
	for code := range f.constructors {
		out = append(out, code)
	}
	return out
}

// New создаёт живой адаптер под код перевозчика и учётные данные компании.
func (f *Factory) New(code string, creds Credentials) (Adapter, error) {
	f.mu.RLock()
	c, ok := f.constructors[code]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unsupported carrier %q", code)
	}
	a, err := c(creds)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s adapter", code)
	}
	return a, nil
}
