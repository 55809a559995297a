// Package device - default compliance checker
package device

import (
	"context"
)

// StandardChecker scores compliance from the posture flags reported
// at registration. Each failing check independently fails the device.
type StandardChecker struct{}

// Assess implements ComplianceChecker
func (c *StandardChecker) Assess(ctx context.Context, d *DeviceTrust) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}

	score := 100
	issues := make([]string, 0)
	riskFactors := make([]string, 0)

	if !d.Compliance.PatchCurrent {
		score -= 25
		issues = append(issues, "Critical patch level not met")
		riskFactors = append(riskFactors, "outdated_patches")
	}
	if !d.Compliance.AntivirusPresent {
		score -= 20
		issues = append(issues, "Antivirus not detected")
		riskFactors = append(riskFactors, "missing_antivirus")
	}
	if !d.Compliance.DiskEncrypted {
		score -= 20
		issues = append(issues, "Disk encryption disabled")
		riskFactors = append(riskFactors, "unencrypted_disk")
	}
	if !d.Compliance.ManagementAgent {
		score -= 10
		riskFactors = append(riskFactors, "unmanaged_device")
	}
	if d.Compliance.JailbrokenOrRooted {
		score -= 40
		issues = append(issues, "Device is jailbroken or rooted")
		riskFactors = append(riskFactors, "jailbroken_rooted")
	}

	if score < 0 {
		score = 0
	}

	return Assessment{
		Score:       score,
		Issues:      issues,
		RiskFactors: riskFactors,
	}, nil
}
