package carriers

import (
	"sync"

	"github.com/pkg/errors"
)

// Source лениво строит и кэширует адаптеры по коду перевозчика.
// Учётные данные задаются на старте процесса; адаптеры потокобезопасны
// и переиспользуются между вызовами.
type Source struct {
	factory *Factory
	creds   map[string]Credentials

	mu    sync.Mutex
	cache map[string]Adapter
}

func NewSource(f *Factory, creds map[string]Credentials) *Source {
	if creds == nil {
		creds = map[string]Credentials{}
	}
	return &Source{factory: f, creds: creds, cache: map[string]Adapter{}}
}

func (s *Source) Adapter(carrierCode string) (Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.cache[carrierCode]; ok {
		return a, nil
	}

	creds, ok := s.creds[carrierCode]
	if !ok {
		return nil, errors.Errorf("no credentials configured for carrier %q", carrierCode)
	}
	a, err := s.factory.New(carrierCode, creds)
	if err != nil {
		return nil, err
	}
	s.cache[carrierCode] = a
	return a, nil
}
