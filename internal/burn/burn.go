// Package burn implements the top-level
// orchestrator that discovers a device, determines its protocol flavor and
// boot stage, and dispatches to the ADNL or legacy session.
package burn

import (
	"log"
	"os"
	"strconv"

	"amlboot/internal/adnl"
	"amlboot/internal/amlerr"
	"amlboot/internal/container"
	"amlboot/internal/ioiface"
	"amlboot/internal/legacy"
	"amlboot/internal/stage"
	"amlboot/internal/usbtransport"
)

// Config carries the host-specific knobs this driver moves out of
// module-level constants and into an explicit record passed to the
// orchestrator.
type Config struct {
	ADNLVendorID    int
	ADNLProductID   int
	LegacyVendorID  int
	LegacyProductID int
}

// DefaultConfig returns the VID/PID pairs this driver targets by default,
// each overridable by an AMLBOOT_* environment variable for host setups
// that re-flash a vendor-patched boot ROM under a different ID.
func DefaultConfig() Config {
	cfg := Config{
		ADNLVendorID:    usbtransport.VendorID,
		ADNLProductID:   usbtransport.ADNLProductID,
		LegacyVendorID:  usbtransport.VendorID,
		LegacyProductID: usbtransport.LegacyProductID,
	}
	overrideHexEnv("AMLBOOT_ADNL_VID", &cfg.ADNLVendorID)
	overrideHexEnv("AMLBOOT_ADNL_PID", &cfg.ADNLProductID)
	overrideHexEnv("AMLBOOT_LEGACY_VID", &cfg.LegacyVendorID)
	overrideHexEnv("AMLBOOT_LEGACY_PID", &cfg.LegacyProductID)
	return cfg
}

// overrideHexEnv replaces *dst with the value of the named environment
// variable, parsed as a base-prefixed integer (e.g. "0x1b8e"), if it is set
// and parses cleanly; otherwise *dst is left untouched.
func overrideHexEnv(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 0, 32)
	if err != nil {
		log.Printf("[ANDL] ignoring malformed %s=%q", name, v)
		return
	}
	*dst = int(n)
}

// Run is the driver's entry point:
// do_adnl_burn(reset, erase_code, image_container). It discovers a device
// under either VID/PID, reboots back to ROM if it is found already in TPL,
// determines secure-boot status, and drives the matching session to
// completion.
func Run(cfg Config, reset bool, eraseCode int, images container.Container) error {
	t, legacyProtocol, err := discover(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	bus, port, address := t.Location()
	log.Printf("[ANDL] device discovered bus:%d port:%d addr:%d", bus, port, address)
	origin := address

	if legacyProtocol {
		return runLegacy(t, origin, images, reset, eraseCode)
	}
	return runADNL(t, origin, images, reset, eraseCode)
}

// discover opens the device under the ADNL VID/PID first, falling back to
// the legacy VID/PID; it reports which protocol flavor was found.
func discover(cfg Config) (ioiface.Transport, bool, error) {
	if h, err := usbtransport.Open(cfg.ADNLVendorID, cfg.ADNLProductID); err == nil {
		return h, false, nil
	}
	h, err := usbtransport.Open(cfg.LegacyVendorID, cfg.LegacyProductID)
	if err != nil {
		return nil, false, amlerr.New(amlerr.Transport, "discover", "no ADNL or legacy device found", err.Error())
	}
	return h, true, nil
}

// runADNL drives the ADNL session's three phases in order, rebooting
// back to ROM first if the device was found already in TPL.
func runADNL(t ioiface.Transport, origin int, images container.Container, reset bool, eraseCode int) error {
	id, err := stage.Identify(t)
	if err != nil {
		return err
	}

	switch id.Stage {
	case stage.TPL:
		origin, err = rebootToROM(t, origin)
		if err != nil {
			return err
		}
		id, err = stage.Identify(t)
		if err != nil {
			return err
		}
		if id.Stage != stage.ROM {
			return amlerr.New(amlerr.Protocol, "run", "device did not return to ROM after reboot-romusb")
		}
	case stage.SPL:
		return amlerr.New(amlerr.Protocol, "run", "device observed in SPL at session start")
	case stage.ROM:
		// expected starting point
	}

	secureBoot, err := stage.SecureBootEnabled(t)
	if err != nil {
		return err
	}

	if err := adnl.RunBootROM(t, images, secureBoot); err != nil {
		return err
	}
	if err := adnl.RunSPL(t, images, secureBoot); err != nil {
		return err
	}
	return adnl.RunTPL(t, images, reset, eraseCode, origin)
}

// runLegacy mirrors runADNL's sequencing for the legacy protocol session,
// but drives stage detection and reboot-to-ROM entirely through
// legacy.Session's own vendor control transfers: a legacy device never
// answers the ADNL ASCII bulk commands stage.Identify/stage.SecureBootEnabled
// send, even once it has reached TPL.
func runLegacy(t ioiface.Transport, origin int, images container.Container, reset bool, eraseCode int) error {
	s := legacy.New(t)

	if _, err := s.Identify(); err != nil {
		// IDENTIFY_HOST only answers while the ROM is in control, so a
		// failure here means the device is already running TPL.
		origin, err = rebootLegacyToROM(t, s, origin)
		if err != nil {
			return err
		}
		if _, err := s.Identify(); err != nil {
			return amlerr.New(amlerr.Protocol, "run", "device did not return to ROM after reboot-romusb")
		}
	}

	// The legacy vendor protocol has no query analogous to ADNL's FEAT
	// secure-boot bit, so this path always runs the unencrypted boot chain.
	const secureBoot = false

	if err := legacy.RunDDR(s, images, secureBoot); err != nil {
		return err
	}
	if err := legacy.RunUboot(s, images, secureBoot); err != nil {
		return err
	}
	if err := t.Reacquire(origin); err != nil {
		return err
	}
	return legacy.RunTPL(s, images, reset, eraseCode)
}

// rebootToROM sends reboot-romusb and waits for the device to reappear at
// a new address.
func rebootToROM(t ioiface.Transport, lastAddress int) (int, error) {
	if _, err := sendRebootRomusb(t); err != nil {
		return 0, err
	}
	if err := t.Reacquire(lastAddress); err != nil {
		return 0, err
	}
	_, _, address := t.Location()
	return address, nil
}

// sendRebootRomusb issues the textual "reboot-romusb" command; the device
// drops off the bus immediately afterward, so a transport-level write
// failure here is expected and not itself an error.
func sendRebootRomusb(t ioiface.Transport) (int, error) {
	n, err := t.BulkWrite([]byte("reboot-romusb"), ioiface.BulkTimeout)
	if err != nil {
		log.Printf("[ANDL] reboot-romusb write returned %v (expected as device re-enumerates)", err)
		return n, nil
	}
	return n, nil
}

// rebootLegacyToROM is rebootToROM's legacy-protocol counterpart: the
// legacy protocol has no generic ASCII bulk-endpoint command channel, so
// "reboot-romusb" has to travel over the same BULKCMD control-transfer
// channel legacy.RunTPL uses for "reboot".
func rebootLegacyToROM(t ioiface.Transport, s *legacy.Session, lastAddress int) (int, error) {
	if _, err := s.BulkCmd("reboot-romusb", false); err != nil {
		log.Printf("[ANDL] reboot-romusb BULKCMD returned %v (expected as device re-enumerates)", err)
	}
	if err := t.Reacquire(lastAddress); err != nil {
		return 0, err
	}
	_, _, address := t.Location()
	return address, nil
}
