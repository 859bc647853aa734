package bootloader

import (
	"fmt"
	"log"

	"github.com/shaunagostinho/tungsten-boot/internal/flash"
)

// EntryMode records why the bootloader was entered.
type EntryMode uint8

const (
	EntryNone EntryMode = iota
	EntryInputPin
	EntryTimeout
)

func (m EntryMode) String() string {
	switch m {
	case EntryInputPin:
		return "input"
	case EntryTimeout:
		return "timeout"
	}
	return "none"
}

// BootInputs is everything the boot decision depends on.
type BootInputs struct {
	ModeInput   bool
	ModeTimeout bool

	PinAsserted bool
	SkipTimeout bool

	StackPointer uint32
	ResetHandler uint32

	FirmwareReady   bool
	ForceBootloader bool
}

// Decision is the outcome of the boot decision.
type Decision struct {
	EnterBootloader bool
	Mode            EntryMode
	// Forced names the condition that made entry mandatory, if any.
	Forced string
}

// Decide applies the boot rules. It is a pure function of in:
//
//  1. input mode and the pin asserted: enter, mode input;
//  2. timeout mode and no skip-timeout flag: enter, mode timeout;
//  3. a blank vector table, firmware_ready clear or force_bootloader set:
//     enter, whatever the rules above said.
func Decide(in BootInputs) Decision {
	var d Decision
	switch {
	case in.ModeInput && in.PinAsserted:
		d.EnterBootloader, d.Mode = true, EntryInputPin
	case in.ModeTimeout && !in.SkipTimeout:
		d.EnterBootloader, d.Mode = true, EntryTimeout
	}

	switch {
	case blankWord(in.StackPointer):
		d.Forced = fmt.Sprintf("stack pointer 0x%08X", in.StackPointer)
	case blankWord(in.ResetHandler):
		d.Forced = fmt.Sprintf("reset handler 0x%08X", in.ResetHandler)
	case !in.FirmwareReady:
		d.Forced = "firmware not ready"
	case in.ForceBootloader:
		d.Forced = "force flag set"
	}
	if d.Forced != "" {
		d.EnterBootloader = true
	}
	return d
}

func blankWord(w uint32) bool { return w == 0x00000000 || w == 0xFFFFFFFF }

// Pin is the bootloader entry input. Asserted samples it once its pull
// resistor has settled.
type Pin interface {
	Asserted() bool
}

// Boot gathers the inputs of the decision from the flags, the pin and the
// application's vector table, and applies the flag side effects of a reset:
// the skip-timeout flag is consumed, and force_bootloader is cleared when
// the bootloader is entered. pin may be nil when input mode is off.
func Boot(cfg Config, store flash.Store, pin Pin) (Decision, BootInputs, error) {
	in := BootInputs{
		ModeInput:       cfg.ModeInput,
		ModeTimeout:     cfg.ModeTimeout,
		SkipTimeout:     store.Fuse(flash.FuseSkipTimeout),
		FirmwareReady:   store.Fuse(flash.FuseFirmwareReady),
		ForceBootloader: store.Fuse(flash.FuseForceBootloader),
	}
	if in.SkipTimeout {
		if err := store.SetFuse(flash.FuseSkipTimeout, false); err != nil {
			return Decision{}, in, err
		}
	}
	if cfg.ModeInput && pin != nil {
		in.PinAsserted = pin.Asserted()
	}

	sp, reset, err := flash.ReadVectorTable(store, cfg.ProtectedPages)
	if err != nil {
		return Decision{}, in, fmt.Errorf("read vector table: %w", err)
	}
	in.StackPointer, in.ResetHandler = sp, reset

	d := Decide(in)
	if d.EnterBootloader && in.ForceBootloader {
		if err := store.SetFuse(flash.FuseForceBootloader, false); err != nil {
			return d, in, err
		}
	}

	if d.EnterBootloader {
		log.Printf("[boot] entering bootloader (mode=%v forced=%q)", d.Mode, d.Forced)
	} else {
		log.Printf("[boot] starting application: sp=0x%08X reset=0x%08X", sp, reset)
	}
	return d, in, nil
}
