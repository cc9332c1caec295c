package task

import (
	"context"
	"reflect"
	"testing"
)

func TestRegisterTypedHandler(t *testing.T) {
	type greetInput struct {
		Name string `json:"name"`
	}

	r := NewRegistry()
	Register(r, NewDefinition("greet", func(_ context.Context, in greetInput) ([]byte, error) {
		return []byte("hello " + in.Name), nil
	}))

	h, ok := r.Get("greet")
	if !ok {
		t.Fatal("Get() did not find registered handler")
	}

	got, err := h(context.Background(), []byte(`{"name":"ada"}`))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if string(got) != "hello ada" {
		t.Errorf("handler result = %q, want %q", got, "hello ada")
	}
}

func TestRegisterHandlerBadPayload(t *testing.T) {
	type input struct {
		N int `json:"n"`
	}

	r := NewRegistry()
	Register(r, NewDefinition("sum", func(_ context.Context, in input) ([]byte, error) {
		return nil, nil
	}))

	h, _ := r.Get("sum")
	if _, err := h(context.Background(), []byte(`{bad`)); err == nil {
		t.Error("handler accepted malformed payload")
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("missing"); ok {
		t.Error("Get() found a handler that was never registered")
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	r := NewRegistry()
	r.RegisterRaw("zeta", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	r.RegisterRaw("alpha", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	r.RegisterRaw("mid", func(context.Context, []byte) ([]byte, error) { return nil, nil })

	got := r.Types()
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}
