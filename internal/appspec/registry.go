package appspec

import (
	_ "embed"
	"fmt"
)

// The app set is closed at compile time: adding an app means embedding
// its config here and listing it in buildRegistry.

//go:embed apps/ustc_preregister.yaml
var ustcPreregisterYAML []byte

//go:embed apps/tidaldex_swap.yaml
var tidaldexSwapYAML []byte

var registry = buildRegistry()

func buildRegistry() map[string]*App {
	out := map[string]*App{}
	for _, raw := range [][]byte{ustcPreregisterYAML, tidaldexSwapYAML} {
		app, err := parseApp(raw)
		if err != nil {
			panic(fmt.Sprintf("embedded app config invalid: %v", err))
		}
		if _, dup := out[app.Name]; dup {
			panic(fmt.Sprintf("duplicate embedded app %s", app.Name))
		}
		out[app.Name] = app
	}
	return out
}
