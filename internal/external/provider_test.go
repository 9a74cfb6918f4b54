package external

import (
	"context"
	"strings"
	"testing"

	"courier/internal/types"
)

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.SendInput)
		kind   types.ErrorKind
	}{
		{"valid", func(*types.SendInput) {}, ""},
		{"missing recipient", func(in *types.SendInput) { in.To = "" }, types.KindRecipient},
		{"bad cc", func(in *types.SendInput) { in.CC = []string{"nope"} }, types.KindRecipient},
		{"bad sender", func(in *types.SendInput) { in.From = "nope" }, types.KindValidation},
		{"empty subject", func(in *types.SendInput) { in.Subject = "  " }, types.KindValidation},
		{"empty attachment", func(in *types.SendInput) {
			in.Attachments = []types.Attachment{{Filename: "x.pdf"}}
		}, types.KindAttachment},
		{"oversized attachments", func(in *types.SendInput) {
			in.Attachments = []types.Attachment{{Filename: "x.pdf", Content: make([]byte, MaxAttachmentBytes+1)}}
		}, types.KindAttachment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mutate(&in)
			err := ValidateInput(in)
			if tt.kind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if got := types.KindOf(err); got != tt.kind {
				t.Errorf("kind = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestBuildMIME_Alternatives(t *testing.T) {
	var b strings.Builder
	if _, err := buildMIME(baseInput()).WriteTo(&b); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	out := b.String()
	for _, want := range []string{"multipart/alternative", "text/plain", "text/html", "X-Courier-Reference: msg_001"} {
		if !strings.Contains(out, want) {
			t.Errorf("MIME output missing %q", want)
		}
	}
}

func TestStubProvider_Send(t *testing.T) {
	id, err := NewStubProvider(nil).Send(context.Background(), baseInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "stub-") {
		t.Errorf("id = %q", id)
	}
}
