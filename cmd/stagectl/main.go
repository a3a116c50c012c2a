// stagectl drives a serial motion controller from the command line and can
// expose it over HTTP for remote clients.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/opticslab/stagelink/mn"
	"github.com/opticslab/stagelink/stage"
	"github.com/opticslab/stagelink/stagehttp"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "stagectl.yml"
	k              = koanf.New(".")
)

type config struct {
	Device  string  `yaml:"Device" koanf:"Device"`
	Address int     `yaml:"Address" koanf:"Address"`
	Baud    int     `yaml:"Baud" koanf:"Baud"`
	Addr    string  `yaml:"Addr" koanf:"Addr"`
	PollSec float64 `yaml:"PollSec" koanf:"PollSec"`
}

func defaults() config {
	return config{
		Device:  "/dev/ttyUSB0",
		Address: 1,
		Baud:    9600,
		Addr:    ":8000",
		PollSec: 0.5,
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadcfg() config {
	var c config
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatalf("error unmarshaling config: %v", err)
	}
	return c
}

func root() {
	str := `stagectl talks to a Microkinetics MN-series motion controller on a serial
line and exposes it to scripts and remote clients.

Usage:
	stagectl <command> [args]

Commands:
	status
	move <pos> <speed>
	home <axis>
	stop
	serve
	conf
	mkconf
	version
	help`
	fmt.Println(str)
}

func help() {
	str := `stagectl is configured via stagectl.yml in the working directory.
Run "stagectl mkconf > stagectl.yml" to write the defaults, then edit.

Device   serial device path, e.g. /dev/ttyUSB0 or COM3
Address  MN slave address on the party line, 1..127
Baud     line rate, 9600 for stock MN100 controllers
Addr     bind address for "serve", e.g. :8000
PollSec  background status poll period in seconds for "serve"

Positions and speeds are in motor steps and steps/sec.`
	fmt.Println(str)
}

func mkconf() {
	c := defaults()
	data, err := yml.Marshal(c)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(data))
}

func conf() {
	c := loadcfg()
	data, err := yml.Marshal(c)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(data))
}

func open(c config) *stage.Controller {
	cfg := mn.Config(c.Device, byte(c.Address))
	cfg.Baud = c.Baud
	ctl, err := stage.Open(cfg)
	if err != nil {
		log.Fatalf("could not open controller: %v", err)
	}
	return ctl
}

func printStatus(st stage.State, stale bool) {
	fmt.Printf("pos=%g vel=%g busy=%v faults=%#04x stale=%v\n",
		st.Position, st.Velocity, st.Busy, st.Faults, stale)
}

func status() {
	ctl := open(loadcfg())
	defer ctl.Close()
	st, err := ctl.GetStatus()
	if err != nil {
		log.Fatalf("status query failed: %v", err)
	}
	printStatus(st, false)
}

// spin shows a spinner until the controller reports motion complete.
func spin(ctl *stage.Controller, suffix string) {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[59],
		Suffix:        suffix,
		StopCharacter: "done",
	})
	if err == nil {
		spinner.Start()
		defer spinner.Stop()
	}
	for {
		st, qerr := ctl.GetStatus()
		if qerr != nil {
			log.Printf("status poll failed while waiting: %v", qerr)
			return
		}
		if !st.Busy {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func move(args []string) {
	if len(args) != 2 {
		log.Fatal("usage: stagectl move <pos> <speed>")
	}
	pos, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		log.Fatalf("bad position %q: %v", args[0], err)
	}
	speed, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		log.Fatalf("bad speed %q: %v", args[1], err)
	}
	ctl := open(loadcfg())
	defer ctl.Close()
	if err := ctl.MoveTo(pos, speed); err != nil {
		fatalCommand("move", err)
	}
	spin(ctl, " moving")
}

func home(args []string) {
	if len(args) != 1 {
		log.Fatal("usage: stagectl home <axis>")
	}
	axis, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("bad axis %q: %v", args[0], err)
	}
	ctl := open(loadcfg())
	defer ctl.Close()
	if err := ctl.Home(axis); err != nil {
		fatalCommand("home", err)
	}
	spin(ctl, " homing")
}

func stop() {
	ctl := open(loadcfg())
	defer ctl.Close()
	if err := ctl.Stop(); err != nil {
		fatalCommand("stop", err)
	}
	fmt.Println("stopped")
}

// fatalCommand renders controller rejections with the manual's text instead
// of a bare reason number.
func fatalCommand(verb string, err error) {
	if rej, ok := err.(stage.Rejected); ok {
		log.Fatalf("%s rejected: %s (code %d)", verb, mn.Reason(rej.Reason), rej.Reason)
	}
	log.Fatalf("%s failed: %v", verb, err)
}

func serve() {
	c := loadcfg()
	ctl := open(c)
	defer ctl.Close()
	ctl.StartPolling(context.Background(), time.Duration(c.PollSec*float64(time.Second)))
	r := chi.NewRouter()
	stagehttp.New(ctl).Bind(r)
	log.Println("stagectl serving on", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, r))
}

func main() {
	if len(os.Args) < 2 {
		root()
		return
	}
	setupconfig()
	switch os.Args[1] {
	case "status":
		status()
	case "move":
		move(os.Args[2:])
	case "home":
		home(os.Args[2:])
	case "stop":
		stop()
	case "serve", "run":
		serve()
	case "conf":
		conf()
	case "mkconf":
		mkconf()
	case "version":
		fmt.Println(Version)
	case "help":
		help()
	default:
		root()
	}
}
