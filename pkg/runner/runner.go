package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a plain function to Drainer.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

var EngineVersion = "dev"

// BannerOutput receives the startup banner; nil disables it.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	if BannerOutput == nil {
		return
	}
	tpl := "{{ .Title \"JURU\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(BannerOutput, true, true, bytes.NewBufferString(tpl))
}
