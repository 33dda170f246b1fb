package main

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// newFlashCmd implements the firmware-flashing side channel (spec.md
// §4.9, grounded on controller/firmware_upgrade.py): it listens for the
// gateway's own connection on the same port the supervisor usually
// occupies, so the supervisor must not be running while this is used.
// Once the gateway connects, it requests the flash mode, then streams a
// sha1 checksum line, a length line, and the raw firmware image.
func newFlashCmd() *cobra.Command {
	var addr string
	var firmwarePath string

	cmd := &cobra.Command{
		Use:   "flash",
		Short: "flash new firmware onto the gateway over its control connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flash(addr, firmwarePath)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0:1337", "address to listen on for the gateway's connection")
	cmd.Flags().StringVar(&firmwarePath, "firmware", "", "path to the firmware image")
	cmd.MarkFlagRequired("firmware")
	return cmd
}

func flash(addr, firmwarePath string) error {
	data, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("read firmware image: %w", err)
	}
	sum := sha1.Sum(data)
	checksum := hex.EncodeToString(sum[:])
	fmt.Printf("new image is %d bytes, sha1 %s\n", len(data), checksum)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s (is waschsupervisor run already using this port?): %w", addr, err)
	}
	defer ln.Close()

	fmt.Printf("waiting for gateway to connect on %s...\n", addr)
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	fmt.Printf("got connection from %s\n", conn.RemoteAddr())

	if _, err := io.WriteString(conn, "flash_mcu_firmware\n"); err != nil {
		return fmt.Errorf("request flash mode: %w", err)
	}

	reader := bufio.NewReader(conn)
	ready, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read flash-mode response: %w", err)
	}
	fmt.Printf("gateway response: %s", ready)

	if _, err := io.WriteString(conn, checksum+"\n"); err != nil {
		return fmt.Errorf("send checksum: %w", err)
	}
	if _, err := io.WriteString(conn, strconv.Itoa(len(data))+"\n"); err != nil {
		return fmt.Errorf("send length: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send firmware image: %w", err)
	}

	fmt.Println("image sent, awaiting gateway output")
	if _, err := io.Copy(os.Stdout, reader); err != nil && err != io.EOF {
		return fmt.Errorf("read gateway output: %w", err)
	}
	fmt.Println("flash complete")
	return nil
}
