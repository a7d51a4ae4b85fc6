package infra

import (
	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

// DeviceAdminController implements domain.AdminController. Privileged
// operations are delegated to the platform bridge and gated on the
// persisted device-admin grant: without the grant everything returns
// false, and callers treat that as "restriction pending, retry on the
// next relevant event", never as fatal.
//
// The controller also owns the local blocked-app registry so package
// notifications can be answered while the remote profile store is
// unreachable.
type DeviceAdminController struct {
	bridge domain.DeviceBridge
	store  domain.StateStore
	logger *zap.Logger
}

// NewDeviceAdminController creates an admin controller.
func NewDeviceAdminController(bridge domain.DeviceBridge, store domain.StateStore, logger *zap.Logger) *DeviceAdminController {
	return &DeviceAdminController{bridge: bridge, store: store, logger: logger}
}

// AdminActive reports whether the device-administrator grant is live.
func (c *DeviceAdminController) AdminActive() bool {
	granted, err := c.store.AdminGranted()
	if err != nil {
		c.logger.Warn("failed to read admin grant state", zap.Error(err))
		return false
	}
	return granted
}

// SetAdminActive persists a grant state change from the OS layer.
func (c *DeviceAdminController) SetAdminActive(active bool) {
	if err := c.store.SetAdminGranted(active); err != nil {
		c.logger.Error("failed to persist admin grant state", zap.Error(err))
		return
	}
	if active {
		c.logger.Info("device admin enabled")
	} else {
		c.logger.Warn("device admin disabled, protections may be compromised")
	}
}

// HideApp hides an app from the launcher.
func (c *DeviceAdminController) HideApp(pkg string) bool {
	return c.privileged("hide app", pkg, func() error {
		return c.bridge.SetAppHidden(pkg, true)
	})
}

// UnhideApp reverses HideApp.
func (c *DeviceAdminController) UnhideApp(pkg string) bool {
	return c.privileged("unhide app", pkg, func() error {
		return c.bridge.SetAppHidden(pkg, false)
	})
}

// BlockUninstall prevents the package from being uninstalled.
func (c *DeviceAdminController) BlockUninstall(pkg string) bool {
	return c.privileged("block uninstall", pkg, func() error {
		return c.bridge.SetUninstallBlocked(pkg, true)
	})
}

// AllowUninstall reverses BlockUninstall.
func (c *DeviceAdminController) AllowUninstall(pkg string) bool {
	return c.privileged("allow uninstall", pkg, func() error {
		return c.bridge.SetUninstallBlocked(pkg, false)
	})
}

// LockDevice force-locks the device.
func (c *DeviceAdminController) LockDevice() bool {
	return c.privileged("lock device", "", func() error {
		return c.bridge.LockNow()
	})
}

// privileged runs one admin operation behind the grant gate.
func (c *DeviceAdminController) privileged(op, pkg string, fn func() error) bool {
	if !c.AdminActive() {
		c.logger.Warn("device admin not active, restriction not applied",
			zap.String("op", op), zap.String("package", pkg))
		return false
	}
	if err := fn(); err != nil {
		c.logger.Warn("admin operation failed",
			zap.String("op", op), zap.String("package", pkg), zap.Error(err))
		return false
	}
	return true
}

// BlockApp adds the package to the local registry and applies
// hide + uninstall-block. The registry write happens even when the
// privileged operations fail, so the restriction is re-applied once
// admin is granted.
func (c *DeviceAdminController) BlockApp(pkg string) bool {
	apps, err := c.store.BlockedApps()
	if err != nil {
		c.logger.Error("failed to read blocked registry", zap.Error(err))
		return false
	}
	if contains(apps, pkg) {
		return false
	}
	if err := c.store.SaveBlockedApps(append(apps, pkg)); err != nil {
		c.logger.Error("failed to save blocked registry", zap.Error(err))
		return false
	}

	hidden := c.HideApp(pkg)
	blocked := c.BlockUninstall(pkg)
	c.logger.Info("app blocked",
		zap.String("package", pkg),
		zap.Bool("hidden", hidden),
		zap.Bool("uninstall_blocked", blocked))
	return true
}

// UnblockApp removes the package from the registry and lifts its
// restrictions.
func (c *DeviceAdminController) UnblockApp(pkg string) bool {
	apps, err := c.store.BlockedApps()
	if err != nil {
		c.logger.Error("failed to read blocked registry", zap.Error(err))
		return false
	}
	if !contains(apps, pkg) {
		return false
	}
	if err := c.store.SaveBlockedApps(remove(apps, pkg)); err != nil {
		c.logger.Error("failed to save blocked registry", zap.Error(err))
		return false
	}

	c.UnhideApp(pkg)
	c.AllowUninstall(pkg)
	c.logger.Info("app unblocked", zap.String("package", pkg))
	return true
}

// IsBlocked consults the local registry, independent of whether the
// remote profile store is reachable.
func (c *DeviceAdminController) IsBlocked(pkg string) bool {
	apps, err := c.store.BlockedApps()
	if err != nil {
		c.logger.Warn("failed to read blocked registry", zap.Error(err))
		return false
	}
	return contains(apps, pkg)
}

// BlockedApps returns the local registry contents.
func (c *DeviceAdminController) BlockedApps() []string {
	apps, err := c.store.BlockedApps()
	if err != nil {
		c.logger.Warn("failed to read blocked registry", zap.Error(err))
		return nil
	}
	return apps
}

// HandlePackageAdded re-applies restrictions to a newly installed or
// changed package when the registry says it should be blocked.
func (c *DeviceAdminController) HandlePackageAdded(pkg string) {
	if !c.IsBlocked(pkg) {
		return
	}
	hidden := c.HideApp(pkg)
	blocked := c.BlockUninstall(pkg)
	c.logger.Info("restrictions re-applied to package",
		zap.String("package", pkg),
		zap.Bool("hidden", hidden),
		zap.Bool("uninstall_blocked", blocked))
}

// HandlePackageRemoved prunes an uninstalled package from the registry.
func (c *DeviceAdminController) HandlePackageRemoved(pkg string) {
	apps, err := c.store.BlockedApps()
	if err != nil || !contains(apps, pkg) {
		return
	}
	if err := c.store.SaveBlockedApps(remove(apps, pkg)); err != nil {
		c.logger.Error("failed to prune blocked registry", zap.Error(err))
		return
	}
	c.logger.Info("uninstalled package pruned from registry", zap.String("package", pkg))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Ensure DeviceAdminController implements domain.AdminController.
var _ domain.AdminController = (*DeviceAdminController)(nil)
