package adapter_test

import (
	"context"
	"fmt"

	"github.com/jonwraymond/paneflow/adapter"
)

func ExampleRegistry_ValidateModel() {
	r := adapter.NewRegistry()
	_ = r.Register(adapter.NewEcho(adapter.EchoConfig{Models: []string{"echo-1", "echo-2"}}))

	ctx := context.Background()
	fmt.Println(r.ValidateModel(ctx, adapter.FormatModelID("echo", "echo-2")))
	fmt.Println(r.ValidateModel(ctx, "echo:echo-3"))
	// Output:
	// true
	// false
}
