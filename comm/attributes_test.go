package comm

import (
	"errors"
	"testing"
)

func TestAttrSetGetDelete(t *testing.T) {
	deleted := []any{}
	key := CreateAttrKey(nil, func(v any) { deleted = append(deleted, v) })
	defer FreeAttrKey(key)

	c, _ := newStubCommunicator(0, 2)
	defer c.Free()

	if _, ok := c.Attr(key); ok {
		t.Fatal("attribute present before set")
	}
	if err := c.SetAttr(key, "first"); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}
	if v, ok := c.Attr(key); !ok || v != "first" {
		t.Fatalf("unexpected attribute: %v %v", v, ok)
	}

	// Overwriting runs the delete callback on the old value.
	if err := c.SetAttr(key, "second"); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "first" {
		t.Fatalf("delete callback not run on overwrite: %v", deleted)
	}

	c.DeleteAttr(key)
	if _, ok := c.Attr(key); ok {
		t.Fatal("attribute survived delete")
	}
	if len(deleted) != 2 || deleted[1] != "second" {
		t.Fatalf("delete callback not run on DeleteAttr: %v", deleted)
	}
}

func TestAttrCopySemanticsOnDup(t *testing.T) {
	shared := CreateAttrKey(nil, nil)
	defer FreeAttrKey(shared)
	transformed := CreateAttrKey(func(v any) (any, bool) { return v.(int) + 1, true }, nil)
	defer FreeAttrKey(transformed)
	dropped := CreateAttrKey(func(v any) (any, bool) { return nil, false }, nil)
	defer FreeAttrKey(dropped)

	c, _ := newStubCommunicator(0, 2)
	defer c.Free()
	if err := c.SetAttr(shared, "value"); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}
	if err := c.SetAttr(transformed, 10); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}
	if err := c.SetAttr(dropped, "gone"); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}

	dup, err := c.Dup()
	if err != nil {
		t.Fatalf("Dup failed: %v", err)
	}
	defer dup.Free()

	if v, ok := dup.Attr(shared); !ok || v != "value" {
		t.Fatalf("nil copy callback should share the value: %v %v", v, ok)
	}
	if v, ok := dup.Attr(transformed); !ok || v != 11 {
		t.Fatalf("copy callback result not applied: %v %v", v, ok)
	}
	if _, ok := dup.Attr(dropped); ok {
		t.Fatal("copy callback returning false should drop the attribute")
	}
}

func TestAttrDeleteCallbacksOnFree(t *testing.T) {
	var deleted []any
	key := CreateAttrKey(nil, func(v any) { deleted = append(deleted, v) })
	defer FreeAttrKey(key)

	c, tr := newStubCommunicator(0, 2)
	if err := c.SetAttr(key, 99); err != nil {
		t.Fatalf("SetAttr failed: %v", err)
	}
	if err := c.Free(); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != 99 {
		t.Fatalf("delete callback not run on Free: %v", deleted)
	}
	if !tr.closed {
		t.Fatal("Free must close the transport binding")
	}

	// A freed communicator rejects further operations.
	if err := c.SetAttr(key, 1); !errors.Is(err, ErrCommunicatorFreed) {
		t.Fatalf("SetAttr after Free: got %v", err)
	}
	if err := c.Send(ByteBuffer([]byte("x")), 1, 0); !errors.Is(err, ErrCommunicatorFreed) {
		t.Fatalf("Send after Free: got %v", err)
	}
	if err := c.Free(); !errors.Is(err, ErrCommunicatorFreed) {
		t.Fatalf("double Free: got %v", err)
	}
}
