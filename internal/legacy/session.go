package legacy

import (
	"fmt"
	"time"

	"amlboot/internal/amlerr"
	"amlboot/internal/container"
)

// Burnsteps sentinels for the legacy TPL phase: the legacy protocol tunnels
// the exact same U-Boot textual command surface as ADNL through BULKCMD, so
// these match adnl's TPL burnsteps values.
const (
	burnstepsTpl0 = 0xC0041030
	burnstepsTpl1 = 0xC0041031
	burnstepsTpl2 = 0xC0041032
)

// RunBootChain drives one boot-chain image (DDR or U-Boot; RunDDR and
// RunUboot pick the item) over GET_AMLC/WRITE_AMLC: repeatedly request the next
// fragment, stopping when the device reports length == 0, the legacy
// analogue of ADNL's CBW end flag.
func RunBootChain(s *Session, item container.Item) error {
	var seq uint8
	for {
		length, offset, err := s.GetAMLC()
		if err != nil {
			return err
		}
		if length == 0 {
			return nil
		}

		if err := item.Seek(int64(offset)); err != nil {
			return err
		}
		buf, err := item.Read(int(length))
		if err != nil {
			return err
		}
		if err := s.WriteAMLCData(seq, offset, buf); err != nil {
			return err
		}
		seq++
	}
}

// RunDDR drives the BootROM DDR-init boot chain phase.
func RunDDR(s *Session, images container.Container, secureBoot bool) error {
	subType := "DDR"
	if secureBoot {
		subType = "DDR_ENC"
	}
	item, err := images.ItemGet("USB", subType)
	if err != nil {
		return err
	}
	return RunBootChain(s, item)
}

// RunUboot drives the SPL-stage U-Boot boot chain phase.
func RunUboot(s *Session, images container.Container, secureBoot bool) error {
	subType := "UBOOT"
	if secureBoot {
		subType = "UBOOT_ENC"
	}
	item, err := images.ItemGet("USB", subType)
	if err != nil {
		return err
	}
	return RunBootChain(s, item)
}

// bulkCmdOkay sends an "oem ..." command over BULKCMD and requires its
// status reply begin with OKAY.
func bulkCmdOkay(s *Session, op, command string) error {
	status, err := s.BulkCmd(command, true)
	if err != nil {
		return err
	}
	if len(status) < 4 || string(status[0:4]) != "OKAY" {
		return amlerr.New(amlerr.Protocol, op, "unexpected BULKCMD status", command)
	}
	return nil
}

func sendBurnsteps(s *Session, op string, step int) error {
	return bulkCmdOkay(s, op, fmt.Sprintf("oem setvar burnsteps 0x%x", step))
}

// RunTPL drives the legacy TPL phase: burnsteps, disk_initial, a
// WriteMedia-backed burn loop per PARTITION item, and an optional reboot.
func RunTPL(s *Session, images container.Container, reset bool, eraseCode int) error {
	if err := sendBurnsteps(s, "tpl_burnsteps_0", burnstepsTpl0); err != nil {
		return err
	}
	if err := sendBurnsteps(s, "tpl_burnsteps_1", burnstepsTpl1); err != nil {
		return err
	}
	if err := bulkCmdOkay(s, "disk_initial", fmt.Sprintf("oem disk_initial %d", eraseCode)); err != nil {
		return err
	}
	if err := sendBurnsteps(s, "tpl_burnsteps_2", burnstepsTpl2); err != nil {
		return err
	}

	for _, item := range images.Items() {
		if item.MainType() != "PARTITION" {
			continue
		}
		if err := burnPartition(s, images, item); err != nil {
			return err
		}
	}

	if reset {
		if _, err := s.BulkCmd("reboot", false); err != nil {
			return err
		}
	}
	return nil
}

// burnPartition burns one PARTITION item via a whole-partition WriteMedia
// transfer, then polls BulkCmdStat for completion and verification the same
// way the ADNL session polls bulk-IN.
func burnPartition(s *Session, images container.Container, item container.Item) error {
	name := item.SubType()

	cmd := fmt.Sprintf("oem mwrite 0x%x normal store %s", item.Size(), name)
	if err := bulkCmdOkay(s, "mwrite", cmd); err != nil {
		return err
	}

	if err := item.Seek(0); err != nil {
		return err
	}
	buf, err := item.Read(int(item.Size()))
	if err != nil {
		return err
	}
	ok, err := s.WriteMedia(buf, amlsBlockLength, 0, 0)
	if err != nil {
		return err
	}
	if !ok {
		return amlerr.New(amlerr.Verification, "write_media", "short media write", name)
	}

	if err := pollStatus(s, "mwrite_status", name); err != nil {
		return err
	}

	verifyItem, err := images.ItemGet("VERIFY", name)
	if err != nil {
		return err
	}
	payload, err := verifyItem.Read(int(verifyItem.Size()))
	if err != nil {
		return err
	}
	if _, err := s.BulkCmd(fmt.Sprintf("oem verify %s", payload), false); err != nil {
		return err
	}
	return pollStatus(s, "verify", name)
}

// pollStatus reads BULKCMD status until it settles on OKAY, sleeping 1s on
// every INFO ("still working") reply; anything else is a verification
// failure naming the partition.
func pollStatus(s *Session, op, name string) error {
	for {
		status, err := s.BulkCmdStat()
		if err != nil {
			return err
		}
		if len(status) < 4 {
			return amlerr.New(amlerr.Verification, op, "short BULKCMD status", name)
		}
		switch string(status[0:4]) {
		case "OKAY":
			return nil
		case "INFO":
			time.Sleep(1 * time.Second)
			continue
		default:
			return amlerr.New(amlerr.Verification, op, "verification failed", name)
		}
	}
}
