package pkgs

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/nugget/termkeep/internal/shellexec"
)

func TestInstalled(t *testing.T) {
	f := (&shellexec.Fake{}).On("dpkg-query", shellexec.FakeResponse{Output: "bash\nffmpeg\n\nnodejs\n"})
	got, err := (&Termux{Runner: f}).Installed(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || !got["ffmpeg"] || got["termux-api"] {
		t.Errorf("installed = %v", got)
	}
}

func TestInstalled_Error(t *testing.T) {
	f := (&shellexec.Fake{Strict: true})
	if _, err := (&Termux{Runner: f}).Installed(context.Background()); !errors.Is(err, shellexec.ErrNotStarted) {
		t.Errorf("err = %v", err)
	}
}

func TestInstall(t *testing.T) {
	f := &shellexec.Fake{}
	tx := &Termux{Runner: f}

	if err := tx.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.Calls()) != 0 {
		t.Error("empty install ran a command")
	}

	if err := tx.Install(context.Background(), "ffmpeg", "termux-api"); err != nil {
		t.Fatal(err)
	}
	if f.Calls()[0] != "pkg install -y ffmpeg termux-api" {
		t.Errorf("call = %q", f.Calls()[0])
	}
}

func TestInstall_Failure(t *testing.T) {
	f := (&shellexec.Fake{}).On("pkg install", shellexec.FakeResponse{Output: "E: Unable to locate package nope", ExitCode: 100})
	err := (&Termux{Runner: f}).Install(context.Background(), "nope")
	if !errors.Is(err, shellexec.ErrFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestMissing(t *testing.T) {
	tests := []struct {
		name      string
		desired   []string
		installed map[string]bool
		want      []string
	}{
		{"all present", []string{"a", "b"}, map[string]bool{"a": true, "b": true}, nil},
		{"delta keeps order", []string{"c", "a", "b"}, map[string]bool{"a": true}, []string{"c", "b"}},
		{"dedupe", []string{"a", "a"}, nil, []string{"a"}},
		{"none desired", nil, map[string]bool{"a": true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Missing(tt.desired, tt.installed); !slices.Equal(got, tt.want) {
				t.Errorf("Missing = %v, want %v", got, tt.want)
			}
		})
	}
}
