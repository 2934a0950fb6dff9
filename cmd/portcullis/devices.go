package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhoel/portcullis/internal/pairing"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage paired devices",
	Long:  `Manage device pairing: list pending requests, approve or deny them, inspect paired devices, revoke tokens.`,
}

var devicesPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending pairing requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPairingStore()
		if err != nil {
			return err
		}

		pending := store.ListPending()
		if len(pending) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}

		fmt.Printf("%-36s  %-20s  %-15s  %-20s  %s\n", "REQUEST ID", "DEVICE NAME", "IP", "ROLES", "AGE")
		now := time.Now().UnixMilli()
		for _, req := range pending {
			age := time.Duration((now - req.Timestamp) * int64(time.Millisecond)).Round(time.Second)
			fmt.Printf("%-36s  %-20s  %-15s  %-20s  %s\n",
				req.RequestID, req.DisplayName, req.RemoteIP, strings.Join(req.Roles, ","), age)
		}
		return nil
	},
}

var devicesApproveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve a pending pairing request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openPairingService()
		if err != nil {
			return err
		}

		reqID := args[0]
		device, err := svc.Approve(reqID)
		if err != nil {
			return fmt.Errorf("approve failed: %w", err)
		}
		if device == nil {
			return fmt.Errorf("request not found: %s", reqID)
		}

		fmt.Printf("Approved request %s\n", reqID)
		fmt.Printf("Device paired: %s (%s) roles=%s\n",
			device.DisplayName, device.DeviceID, strings.Join(device.Roles, ","))
		return nil
	},
}

var devicesDenyCmd = &cobra.Command{
	Use:   "deny [request-id]",
	Short: "Deny a pending pairing request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openPairingService()
		if err != nil {
			return err
		}

		reqID := args[0]
		removed, err := svc.Deny(reqID)
		if err != nil {
			return fmt.Errorf("deny failed: %w", err)
		}
		if removed == nil {
			return fmt.Errorf("request not found: %s", reqID)
		}

		fmt.Printf("Denied request %s from %s\n", reqID, removed.DisplayName)
		return nil
	},
}

var devicesPairedCmd = &cobra.Command{
	Use:   "paired",
	Short: "List paired devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPairingStore()
		if err != nil {
			return err
		}

		paired := store.ListPaired()
		if len(paired) == 0 {
			fmt.Println("No paired devices.")
			return nil
		}

		fmt.Printf("%-44s  %-20s  %-10s  %-20s  %s\n", "DEVICE ID", "NAME", "PLATFORM", "ROLES", "APPROVED")
		for _, dev := range paired {
			approved := time.UnixMilli(dev.ApprovedAtMs).Format(time.DateTime)
			fmt.Printf("%-44s  %-20s  %-10s  %-20s  %s\n",
				dev.DeviceID, dev.DisplayName, dev.Platform, strings.Join(dev.Roles, ","), approved)
		}
		return nil
	},
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke [device-id] [role]",
	Short: "Revoke a device's token for a role",
	Long:  `Revoke the stored auth token a device holds for a role. The device keeps its pairing but must re-authenticate with its key and wait for a fresh token.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openPairingService()
		if err != nil {
			return err
		}

		deviceID, role := args[0], args[1]
		revoked := svc.RevokeDeviceToken(deviceID, role)
		if revoked == nil {
			return fmt.Errorf("no token found for device %s role %s", deviceID, role)
		}

		fmt.Printf("Revoked %s token for device %s\n", role, deviceID)
		return nil
	},
}

var devicesRotateCmd = &cobra.Command{
	Use:   "rotate [device-id] [role]",
	Short: "Rotate a device's token for a role",
	Long:  `Replace the bearer string of a device's auth token for a role, keeping its scopes. The device must reconnect to receive the new token.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openPairingService()
		if err != nil {
			return err
		}

		deviceID, role := args[0], args[1]
		rotated := svc.RotateDeviceToken(deviceID, role)
		if rotated == nil {
			return fmt.Errorf("no token found for device %s role %s", deviceID, role)
		}

		fmt.Printf("Rotated %s token for device %s\n", role, deviceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesPendingCmd)
	devicesCmd.AddCommand(devicesApproveCmd)
	devicesCmd.AddCommand(devicesDenyCmd)
	devicesCmd.AddCommand(devicesPairedCmd)
	devicesCmd.AddCommand(devicesRevokeCmd)
	devicesCmd.AddCommand(devicesRotateCmd)
}

func openPairingStore() (*pairing.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.StateDir, "pairing")
	store, err := pairing.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing store at %s: %w", path, err)
	}
	return store, nil
}

func openPairingService() (*pairing.Service, error) {
	store, err := openPairingStore()
	if err != nil {
		return nil, err
	}
	return pairing.NewService(store, nil), nil
}
