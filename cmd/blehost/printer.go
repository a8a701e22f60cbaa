package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/srg/blehost/internal/bledb"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"
)

// Output formats
const (
	formatText = "text"
	formatJSON = "json"
)

// printer renders host events for a human. In json mode it stays silent: the
// raw event stream is written by an event.WriterSink instead.
type printer struct {
	w    io.Writer
	json bool

	addr  *color.Color
	good  *color.Color
	bad   *color.Color
	faint *color.Color
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case formatText, "":
	case formatJSON:
	default:
		return nil, fmt.Errorf("invalid format '%s': must be one of [%s %s]", format, formatText, formatJSON)
	}

	p := &printer{
		w:     w,
		json:  format == formatJSON,
		addr:  color.New(color.FgCyan),
		good:  color.New(color.FgGreen),
		bad:   color.New(color.FgRed),
		faint: color.New(color.Faint),
	}
	if !isTerminal(w) {
		for _, c := range []*color.Color{p.addr, p.good, p.bad, p.faint} {
			c.DisableColor()
		}
	}
	return p, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Status prints a progress line in text mode.
func (p *printer) Status(format string, args ...any) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Event prints one host event in text mode.
func (p *printer) Event(msg event.Message) {
	if p.json {
		return
	}

	switch msg.Name {
	case event.ScanResultEvent:
		var r event.ScanResult
		if msg.Decode(&r) == nil {
			fmt.Fprintf(p.w, "found %s %s rssi=%d\n", p.addr.Sprint(r.Address), displayName(r.Name), r.RSSI)
		}
	case event.ScanErrorEvent:
		var e event.ScanError
		if msg.Decode(&e) == nil {
			fmt.Fprintf(p.w, "%s code %d\n", p.bad.Sprint("scan error"), e.ErrorCode)
		}
	case event.ConnectionStateChangeEvent:
		var c event.ConnectionStateChange
		if msg.Decode(&c) == nil {
			state := transport.ConnectionState(c.NewState).String()
			if c.Status == transport.StatusSuccess {
				state = p.good.Sprint(state)
			} else {
				state = p.bad.Sprint(state)
			}
			fmt.Fprintf(p.w, "%s %s (status %d)\n", p.addr.Sprint(c.DeviceAddress), state, c.Status)
		}
	case event.ServicesDiscoveredEvent:
		var d event.ServicesDiscovered
		if msg.Decode(&d) == nil {
			p.services(d)
		}
	case event.DataReceivedEvent:
		var d event.DataReceived
		if msg.Decode(&d) == nil {
			p.data(d)
		}
	default:
		fmt.Fprintf(p.w, "%s %s\n", msg.Name, msg.Payload)
	}
}

func (p *printer) services(d event.ServicesDiscovered) {
	fmt.Fprintf(p.w, "%s %d services (status %d)\n", p.addr.Sprint(d.DeviceAddress), len(d.Services), d.Status)
	for _, svc := range d.Services {
		fmt.Fprintf(p.w, "  %s%s\n", svc.ServiceUUID, p.label(bledb.LookupService(svc.ServiceUUID)))
		for _, ch := range svc.Characteristics {
			fmt.Fprintf(p.w, "    %s%s\n", ch.CharacteristicUUID, p.label(bledb.LookupCharacteristic(ch.CharacteristicUUID)))
		}
	}
}

func (p *printer) data(d event.DataReceived) {
	value, err := d.Data()
	if err != nil {
		fmt.Fprintf(p.w, "%s %s undecodable value %q\n", p.addr.Sprint(d.DeviceAddress), d.CharacteristicUUID, d.DataBase64)
		return
	}
	name := bledb.LookupCharacteristic(d.CharacteristicUUID)
	if name == "" {
		name = d.CharacteristicUUID
	}
	fmt.Fprintf(p.w, "%s %s [% x]\n", p.addr.Sprint(d.DeviceAddress), name, value)
}

func (p *printer) label(name string) string {
	if name == "" {
		return ""
	}
	return " " + p.faint.Sprintf("(%s)", name)
}

// Devices prints the scan summary table, one row per address in first-seen order.
func (p *printer) Devices(devices *orderedmap.OrderedMap[string, event.ScanResult]) {
	if p.json {
		return
	}
	if devices.Len() == 0 {
		fmt.Fprintln(p.w, "No devices found")
		return
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI")
	for pair := devices.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", pair.Key, displayName(pair.Value.Name), pair.Value.RSSI)
	}
	_ = tw.Flush()
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "(unnamed)"
	}
	return name
}
