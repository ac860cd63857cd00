package script

import (
	"reflect"

	"github.com/traefik/yaegi/interp"
)

// Symbols exposes the script API to the interpreter as package "ami".
var Symbols = interp.Exports{
	"ami/ami": {
		"Context":     reflect.ValueOf((*Context)(nil)),
		"TriggerInfo": reflect.ValueOf((*TriggerInfo)(nil)),
		"Manager":     reflect.ValueOf((*Manager)(nil)),
		"Event":       reflect.ValueOf((*Event)(nil)),
		"Element":     reflect.ValueOf((*Element)(nil)),
		"Document":    reflect.ValueOf((*Document)(nil)),
		"Window":      reflect.ValueOf((*Window)(nil)),
		"Async":       reflect.ValueOf(Async),
	},
}
