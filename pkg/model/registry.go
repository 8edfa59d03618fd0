package model

import (
	"fmt"
	"sort"
)

// UnknownModelError reports a model name with no registered constructor.
type UnknownModelError struct {
	Name string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("model %q not recognized", e.Name)
}

var registry = map[string]func() Model{}

// Register adds a model constructor under its name. Models register
// themselves at init time; registering the same name twice is a
// programming error and panics.
func Register(name string, ctor func() Model) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("model: duplicate registration of %q", name))
	}
	registry[name] = ctor
}

// New instantiates the model registered under name. Unknown names yield
// an UnknownModelError.
func New(name string) (Model, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, &UnknownModelError{Name: name}
	}
	return ctor(), nil
}

// Names returns the registered model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
