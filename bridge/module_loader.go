package bridge

import "github.com/dop251/goja"

// Loader serves a module for one exact id. Loaders back virtual modules
// whose exports come from native code rather than script source; they have
// no notion of staleness and never participate in reload.
type Loader interface {
	Load(env *Environment, m *Module) error
}

// hostModuleID is the built-in module exposing the host catalogue. Script
// code reaches every exposed singleton, class, constant and enum through
// `require("jsbind")`.
const hostModuleID = "jsbind"

// catalogueModuleLoader exposes the environment's catalogue as a module
// whose exports are populated lazily: property access on the exports object
// triggers LoadType for the requested name.
type catalogueModuleLoader struct{}

func (catalogueModuleLoader) Load(env *Environment, m *Module) error {
	exports := env.vm.NewObject()
	for _, name := range env.exportedNames() {
		name := name
		getter := env.vm.ToValue(func() interface{} {
			value, err := env.catalogue.LoadType(env, name)
			if err != nil {
				panic(env.vm.NewGoError(err))
			}
			return value
		})
		if err := exports.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}
	m.exports = exports
	_ = m.moduleObject.Set("exports", exports)
	return nil
}
