package main

import (
	"fmt"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
)

func colorState(status halo.Status) string {
	switch status.State {
	case halo.StateReady:
		return green(status.State)
	case halo.StateError:
		if status.Error != nil {
			return red(fmt.Sprintf("%s (%s)", status.State, status.Error))
		}
		return red(status.State)
	case halo.StateIdle:
		return status.State.String()
	default:
		return yellow(status.State)
	}
}

func colorPeripheral(ref halo.PeripheralRef, filter string) string {
	label := fmt.Sprintf("%-20s %s", ref.Address, ref.Label(filter))
	switch {
	case ref.Origin == halo.OriginBonded:
		return green(label)
	case halo.MatchesName(ref.Name, filter):
		return cyan(label)
	default:
		return label
	}
}

func printValues(values halo.Values) {
	for _, line := range values.Lines() {
		fmt.Println("  " + cyan(line))
	}
}
