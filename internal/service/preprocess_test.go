package service

import (
	"errors"
	"testing"
)

func TestPreprocessContext(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "a photo of a barn", "a photo of a barn"},
		{"whitespace collapsed", "  a   photo\n\tof a barn  ", "a photo of a barn"},
		{"tags stripped", "<p>red <b>barn</b> at dusk</p>", "red barn at dusk"},
		{"script skipped", `<p>barn</p><script>alert("x")</script>`, "barn"},
		{"style skipped", "<style>p{color:red}</style>sunset", "sunset"},
		{"empty is valid", "", ""},
		{"only markup", "<div></div>", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PreprocessContext(tc.in)
			if err != nil {
				t.Fatalf("preprocess: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPreprocessContextRejectsInvalidUTF8(t *testing.T) {
	_, err := PreprocessContext(string([]byte{0xff, 0xfe}))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}
