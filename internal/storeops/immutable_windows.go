//go:build windows

package storeops

import (
	"os"

	"golang.org/x/sys/windows"
	"golang.org/x/xerrors"
)

// denyWriteMask is the §4.C access mask: WRITE_DATA, APPEND_DATA, WRITE_EA,
// FILE_DELETE_CHILD, WRITE_ATTRIBUTES, DELETE. Spelled numerically because
// x/sys/windows does not export all of the FILE_* specific-rights bits.
const denyWriteMask = windows.ACCESS_MASK(0x0002 | // FILE_WRITE_DATA
	0x0004 | // FILE_APPEND_DATA
	0x0010 | // FILE_WRITE_EA
	0x0040 | // FILE_DELETE_CHILD
	0x0100 | // FILE_WRITE_ATTRIBUTES
	0x00010000) // DELETE

// lockEntry adds a deny ACE for the Everyone SID to the entry's DACL,
// preserving the existing ACL (§4.C, §6).
func lockEntry(path string, fi os.FileInfo) error {
	return setEveryoneDenyACE(path, windows.DENY_ACCESS)
}

// unlockEntry removes the deny ACE again. REVOKE_ACCESS drops the explicit
// Everyone entries from the DACL while leaving inherited ACEs (the usual
// grants) in place, so exactly what lockEntry added disappears.
func unlockEntry(path string, fi os.FileInfo) error {
	return setEveryoneDenyACE(path, windows.REVOKE_ACCESS)
}

func setEveryoneDenyACE(path string, mode windows.ACCESS_MODE) error {
	everyone, err := windows.CreateWellKnownSid(windows.WinWorldSid)
	if err != nil {
		return xerrors.Errorf("storeops: everyone sid: %w", err)
	}
	sd, err := windows.GetNamedSecurityInfo(path, windows.SE_FILE_OBJECT, windows.DACL_SECURITY_INFORMATION)
	if err != nil {
		return xerrors.Errorf("storeops: read dacl of %s: %w", path, err)
	}
	oldACL, _, err := sd.DACL()
	if err != nil {
		return xerrors.Errorf("storeops: dacl of %s: %w", path, err)
	}
	entry := windows.EXPLICIT_ACCESS{
		AccessPermissions: denyWriteMask,
		AccessMode:        mode,
		Inheritance:       windows.NO_INHERITANCE,
		Trustee: windows.TRUSTEE{
			TrusteeForm:  windows.TRUSTEE_IS_SID,
			TrusteeType:  windows.TRUSTEE_IS_WELL_KNOWN_GROUP,
			TrusteeValue: windows.TrusteeValueFromSID(everyone),
		},
	}
	newACL, err := windows.ACLFromEntries([]windows.EXPLICIT_ACCESS{entry}, oldACL)
	if err != nil {
		return xerrors.Errorf("storeops: merge dacl of %s: %w", path, err)
	}
	if err := windows.SetNamedSecurityInfo(path, windows.SE_FILE_OBJECT, windows.DACL_SECURITY_INFORMATION, nil, nil, newACL, nil); err != nil {
		return xerrors.Errorf("storeops: set dacl of %s: %w", path, err)
	}
	return nil
}
