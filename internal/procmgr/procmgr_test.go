package procmgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/termkeep/internal/shellexec"
)

const jlistTwo = `>>>> In-memory PM2 is out-of-date, do:
>>>> $ pm2 update
[{"name":"alist","pid":1201,"pm2_env":{"status":"online","restart_time":2}},
 {"name":"termkeep","pid":0,"pm2_env":{"status":"stopped","restart_time":0}}]`

func newPM2(f *shellexec.Fake) *PM2 {
	return &PM2{Runner: f, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestList(t *testing.T) {
	f := (&shellexec.Fake{}).On("pm2 jlist", shellexec.FakeResponse{Output: jlistTwo})
	procs, err := newPM2(f).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []Process{
		{Name: "alist", PID: 1201, Status: "online", Restarts: 2},
		{Name: "termkeep", Status: "stopped"},
	}
	if len(procs) != 2 || procs[0] != want[0] || procs[1] != want[1] {
		t.Errorf("procs = %+v, want %+v", procs, want)
	}
	if !procs[0].Online() || procs[1].Online() {
		t.Error("Online() misreports")
	}
}

func TestList_Garbage(t *testing.T) {
	f := (&shellexec.Fake{}).On("pm2 jlist", shellexec.FakeResponse{Output: "command not found"})
	if _, err := newPM2(f).List(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDelete_AbsentIsNoop(t *testing.T) {
	f := (&shellexec.Fake{}).On("pm2 jlist", shellexec.FakeResponse{Output: "[]"})
	if err := newPM2(f).Delete(context.Background(), "alist"); err != nil {
		t.Fatal(err)
	}
	if f.Count("pm2 delete") != 0 {
		t.Errorf("calls = %v", f.Calls())
	}
}

func TestDelete_Present(t *testing.T) {
	f := (&shellexec.Fake{}).On("pm2 jlist", shellexec.FakeResponse{Output: jlistTwo})
	if err := newPM2(f).Delete(context.Background(), "alist"); err != nil {
		t.Fatal(err)
	}
	if f.Count("pm2 delete alist") != 1 {
		t.Errorf("calls = %v", f.Calls())
	}
}

func TestStart(t *testing.T) {
	f := &shellexec.Fake{}
	m := newPM2(f)
	err := m.Start(context.Background(), App{Name: "alist", Command: "/data/usr/bin/alist", Args: []string{"server"}})
	if err != nil {
		t.Fatal(err)
	}
	err = m.Start(context.Background(), App{Name: "plain", Command: "sleep"})
	if err != nil {
		t.Fatal(err)
	}
	calls := f.Calls()
	if calls[0] != "pm2 start /data/usr/bin/alist --name alist -- server" {
		t.Errorf("call = %q", calls[0])
	}
	if calls[1] != "pm2 start sleep --name plain" {
		t.Errorf("call = %q", calls[1])
	}

	if err := m.Start(context.Background(), App{Name: "x"}); err == nil {
		t.Error("expected error without a command")
	}
}

func TestRunFailureCarriesOutput(t *testing.T) {
	f := (&shellexec.Fake{}).On("pm2 save", shellexec.FakeResponse{Output: "spawn\n[PM2] Error: EACCES", ExitCode: 1})
	err := newPM2(f).Save(context.Background())
	if !errors.Is(err, shellexec.ErrFailed) || !strings.Contains(err.Error(), "EACCES") {
		t.Errorf("err = %v", err)
	}
}

func TestLogs(t *testing.T) {
	f := (&shellexec.Fake{}).On("pm2 logs alist", shellexec.FakeResponse{Output: "started"})
	out, err := newPM2(f).Logs(context.Background(), "alist", 0)
	if err != nil || out != "started" {
		t.Fatalf("Logs = %q, %v", out, err)
	}
	if f.Calls()[0] != "pm2 logs alist --lines 50 --nostream --no-color" {
		t.Errorf("call = %q", f.Calls()[0])
	}
}

func TestEnsureResurrect(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".bashrc")
	os.WriteFile(path, []byte("export PATH=$PATH:~/bin"), 0o644)

	changed, err := EnsureResurrect(path)
	if err != nil || !changed {
		t.Fatalf("first EnsureResurrect = %v, %v", changed, err)
	}
	changed, err = EnsureResurrect(path)
	if err != nil || changed {
		t.Fatalf("second EnsureResurrect = %v, %v", changed, err)
	}

	data, _ := os.ReadFile(path)
	if got := string(data); got != "export PATH=$PATH:~/bin\npm2 resurrect\n" {
		t.Errorf("profile = %q", got)
	}
}

func TestEnsureResurrect_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".bashrc")
	changed, err := EnsureResurrect(path)
	if err != nil || !changed {
		t.Fatalf("EnsureResurrect = %v, %v", changed, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != ResurrectLine+"\n" {
		t.Errorf("profile = %q", data)
	}
}
