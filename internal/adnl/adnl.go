// Package adnl implements the ADNL session that drives a device through
// BootROM, BL2 and U-Boot in sequence: the read-only-variable probe and
// burnsteps advance of the ROM phase, the CBW-driven image fetch of the BL2
// phase, and the burnsteps/erase/partition-burn loop of the final phase.
package adnl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"amlboot/internal/amlerr"
	"amlboot/internal/container"
	"amlboot/internal/frame"
	"amlboot/internal/ioiface"
	"amlboot/internal/stage"
)

// Burnsteps sentinel values, one per phase transition.
const (
	burnstepsRom0 uint32 = 0xC0040000
	burnstepsRom1 uint32 = 0xC0040001
	burnstepsRom2 uint32 = 0xC0040002
	burnstepsSpl0 uint32 = 0xC0040003
	burnstepsTpl0 uint32 = 0xC0041030
	burnstepsTpl1 uint32 = 0xC0041031
	burnstepsTpl2 uint32 = 0xC0041032
)

// sendBurnsteps runs the two-frame burnsteps transaction: the textual
// command returns DATA, then the 4-byte little-endian argument returns
// OKAY.
func sendBurnsteps(t ioiface.BulkTransport, step uint32) error {
	if _, err := frame.SendCmdString(t, "setvar:burnsteps", frame.ReplyData); err != nil {
		return err
	}
	arg := make([]byte, 4)
	binary.LittleEndian.PutUint32(arg, step)
	_, err := frame.SendCmd(t, arg, frame.ReplyOkay)
	return err
}

// RunBootROM drives phase 1: probes the read-only
// variables the closed ROM requires even though their values are discarded,
// advances burnsteps, downloads exactly downloadsize bytes of the DDR
// image, and boots into BL2.
func RunBootROM(t ioiface.BulkTransport, images container.Container, secureBoot bool) error {
	subType := "DDR"
	if secureBoot {
		subType = "DDR_ENC"
	}
	item, err := images.ItemGet("USB", subType)
	if err != nil {
		return err
	}

	for _, probe := range []string{
		"getvar:serialno",
		"getvar:getchipinfo-1",
		"getvar:getchipinfo-0",
		"getvar:getchipinfo-1",
		"getvar:getchipinfo-2",
		"getvar:getchipinfo-3",
	} {
		if _, err := frame.SendCmdString(t, probe, frame.ReplyOkay); err != nil {
			return err
		}
	}

	if err := sendBurnsteps(t, burnstepsRom0); err != nil {
		return err
	}

	if _, err := frame.SendCmdString(t, "getvar:getchipinfo-1", frame.ReplyOkay); err != nil {
		return err
	}
	if err := sendBurnsteps(t, burnstepsRom1); err != nil {
		return err
	}

	bl2Size, err := downloadSize(t)
	if err != nil {
		return err
	}

	if _, err := frame.SendCmdString(t, fmt.Sprintf("download:%08x", bl2Size), frame.ReplyData); err != nil {
		return err
	}
	if err := item.Seek(0); err != nil {
		return err
	}
	buf, err := item.Read(int(bl2Size))
	if err != nil {
		return err
	}
	if _, err := frame.SendCmd(t, buf, frame.ReplyOkay); err != nil {
		return err
	}

	if err := sendBurnsteps(t, burnstepsRom2); err != nil {
		return err
	}
	_, err = frame.SendCmdString(t, "boot", frame.ReplyOkay)
	return err
}

// downloadSize parses the NUL-terminated decimal/hex integer following the
// 4-byte OKAY prefix of a "getvar:downloadsize" reply.
func downloadSize(t ioiface.BulkTransport) (int64, error) {
	msg, err := frame.SendCmdString(t, "getvar:downloadsize", frame.ReplyOkay)
	if err != nil {
		return 0, err
	}
	payload := msg[4:]
	if nul := bytes.IndexByte(payload, 0); nul >= 0 {
		payload = payload[:nul]
	}
	n, err := strconv.ParseInt(string(payload), 0, 64)
	if err != nil {
		return 0, amlerr.New(amlerr.Protocol, "downloadsize", "malformed downloadsize payload", string(payload))
	}
	return n, nil
}

// RunSPL drives phase 2: confirms the BL2 stage,
// then loops on getvar:cbw, streaming the U-Boot image in bounded chunks
// with a running addsum checksummed at the end of each CBW window.
func RunSPL(t ioiface.BulkTransport, images container.Container, secureBoot bool) error {
	id, err := stage.Identify(t)
	if err != nil {
		return err
	}
	if id.Stage != stage.SPL {
		return amlerr.New(amlerr.Protocol, "run_spl", fmt.Sprintf("expected stage SPL, got %s", id.Stage))
	}

	if err := sendBurnsteps(t, burnstepsSpl0); err != nil {
		return err
	}

	subType := "UBOOT"
	if secureBoot {
		subType = "UBOOT_ENC"
	}
	item, err := images.ItemGet("USB", subType)
	if err != nil {
		return err
	}

	for {
		msg, err := frame.SendCmdString(t, "getvar:cbw", frame.ReplyOkay)
		if err != nil {
			return err
		}
		cbw, err := frame.ParseCBW(msg)
		if err != nil {
			return err
		}
		if cbw.End {
			return nil
		}

		if err := item.Seek(int64(cbw.Offset)); err != nil {
			return err
		}
		buf, err := item.Read(int(cbw.Size))
		if err != nil {
			return err
		}

		var sum uint32
		for off := 0; off < len(buf); {
			end := off + ioiface.BulkChunkSize
			if end > len(buf) {
				end = len(buf)
			}
			chunk := buf[off:end]

			if _, err := frame.SendCmdString(t, fmt.Sprintf("download:%08x", len(chunk)), frame.ReplyData); err != nil {
				return err
			}
			if _, err := frame.SendCmd(t, chunk, frame.ReplyOkay); err != nil {
				return err
			}
			sum += frame.Addsum(chunk)
			off = end
		}

		if _, err := frame.SendCmdString(t, "setvar:checksum", frame.ReplyData); err != nil {
			return err
		}
		if _, err := frame.SendCmd(t, frame.AddsumBytes(sum), frame.ReplyOkay); err != nil {
			return err
		}
	}
}

// RunTPL drives phase 3: reacquires the device after
// it re-enumerates into U-Boot, advances burnsteps, erases per eraseCode,
// burns every PARTITION item, and reboots if requested.
func RunTPL(t ioiface.Transport, images container.Container, reset bool, eraseCode int, lastAddress int) error {
	if err := t.Reacquire(lastAddress); err != nil {
		return err
	}
	if _, err := stage.Identify(t); err != nil {
		return err
	}

	if _, err := frame.SendCmdString(t, fmt.Sprintf("oem setvar burnsteps 0x%x", burnstepsTpl0), frame.ReplyOkay); err != nil {
		return err
	}
	if _, err := frame.SendCmdString(t, fmt.Sprintf("oem setvar burnsteps 0x%x", burnstepsTpl1), frame.ReplyOkay); err != nil {
		return err
	}
	if _, err := frame.SendCmdString(t, fmt.Sprintf("oem disk_initial %d", eraseCode), frame.ReplyOkay); err != nil {
		return err
	}
	if _, err := frame.SendCmdString(t, fmt.Sprintf("oem setvar burnsteps 0x%x", burnstepsTpl2), frame.ReplyOkay); err != nil {
		return err
	}

	for _, item := range images.Items() {
		if item.MainType() != "PARTITION" {
			continue
		}
		if err := burnPartition(t, images, item); err != nil {
			return err
		}
	}

	if reset {
		if _, err := frame.SendCmdString(t, "reboot", frame.ReplyOkay); err != nil {
			return err
		}
	}
	return nil
}

// burnPartition runs the partition burn loop for a single PARTITION item:
// upload on demand via mwrite:verify=addsum, then poll oem verify until it
// settles on OKAY or fails.
func burnPartition(t ioiface.BulkTransport, images container.Container, item container.Item) error {
	name := item.SubType()

	cmd := fmt.Sprintf("oem mwrite 0x%x normal store %s", item.Size(), name)
	if _, err := frame.SendCmdString(t, cmd, frame.ReplyOkay); err != nil {
		return err
	}

	for {
		msg, err := frame.RawString(t, "mwrite:verify=addsum")
		if err != nil {
			return err
		}
		if len(msg) >= 4 && string(msg[:4]) == frame.ReplyOkay {
			break
		}

		size, offset, ok := parseDataout(msg)
		if !ok {
			return amlerr.New(amlerr.Protocol, "mwrite", "unexpected reply to mwrite poll", string(msg))
		}

		if err := item.Seek(offset); err != nil {
			return err
		}
		buf, err := item.Read(int(size))
		if err != nil {
			return err
		}
		sum := frame.Addsum(buf)

		for off := 0; off < len(buf); {
			end := off + ioiface.BulkChunkSize
			if end > len(buf) {
				end = len(buf)
			}
			if _, err := t.BulkWrite(buf[off:end], ioiface.BulkTimeout); err != nil {
				return err
			}
			off = end
		}

		if _, err := frame.SendCmd(t, frame.AddsumBytes(sum), frame.ReplyOkay); err != nil {
			return err
		}
	}

	verifyItem, err := images.ItemGet("VERIFY", name)
	if err != nil {
		return err
	}
	payload, err := verifyItem.Read(int(verifyItem.Size()))
	if err != nil {
		return err
	}

	if _, err := t.BulkWrite([]byte(fmt.Sprintf("oem verify %s", payload)), ioiface.BulkTimeout); err != nil {
		return err
	}
	for {
		msg, err := t.BulkRead(ioiface.BulkReadLen, ioiface.BulkTimeout)
		if err != nil {
			return err
		}
		if len(msg) < 4 {
			return amlerr.New(amlerr.Verification, "verify", "short reply verifying partition", name)
		}
		switch string(msg[:4]) {
		case frame.ReplyOkay:
			return nil
		case frame.ReplyInfo:
			time.Sleep(1 * time.Second)
			continue
		default:
			return amlerr.New(amlerr.Verification, "verify", "verification failed", name)
		}
	}
}

// parseDataout parses a "DATAOUT<hex size>:<hex offset>" reply.
func parseDataout(msg []byte) (size int64, offset int64, ok bool) {
	if len(msg) < 8 || string(msg[:7]) != "DATAOUT" {
		return 0, 0, false
	}
	rest := string(msg[7:])
	colon := bytes.IndexByte([]byte(rest), ':')
	if colon < 0 {
		return 0, 0, false
	}
	size, errSize := strconv.ParseInt(rest[:colon], 16, 64)
	offset, errOffset := strconv.ParseInt(rest[colon+1:], 16, 64)
	if errSize != nil || errOffset != nil {
		return 0, 0, false
	}
	return size, offset, true
}
