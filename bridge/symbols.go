package bridge

import "github.com/dop251/goja"

// ---------------------------------------------------------------------------
// Interned symbols: hidden keys stored on script objects
// ---------------------------------------------------------------------------

// Symbol indices for the fixed set of hidden keys interned at Environment
// construction. They are used to stash bridge bookkeeping on script objects
// without colliding with script-visible property names.
const (
	symClassID    = iota // NativeClassID on a class constructor
	symObjectID          // NativeObjectID on a bound wrapper
	symProperties        // declared property table on a script class
	symCrossBind         // constructor sentinel: native side already exists
	symCDO               // constructor sentinel: building a class default object
	symValueType         // backing store marker on a value-type wrapper
	symCount
)

func internSymbols() [symCount]*goja.Symbol {
	var symbols [symCount]*goja.Symbol
	for i := range symbols {
		symbols[i] = goja.NewSymbol("jsbind:hidden")
	}
	return symbols
}

// hiddenSymbol returns one of the environment's pre-interned symbols.
func (env *Environment) hiddenSymbol(index int) *goja.Symbol {
	return env.symbols[index]
}
