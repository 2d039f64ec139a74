package pac

import (
	"fmt"

	"github.com/jcmturner/rpc/v2/mstypes"

	"github.com/kardianos/gokdc/krb5/ndr"
)

// User flags.
const (
	UserFlagExtraSIDs      uint32 = 0x20
	UserFlagResourceGroups uint32 = 0x200
)

// Group attributes.
const (
	SEGroupMandatory        uint32 = 0x1
	SEGroupEnabledByDefault uint32 = 0x2
	SEGroupEnabled          uint32 = 0x4
	SEGroupResource         uint32 = 0x20000000

	DefaultGroupAttributes = SEGroupMandatory | SEGroupEnabledByDefault | SEGroupEnabled
)

// NeverExpires is the FILETIME Windows uses for no expiry.
var NeverExpires = mstypes.FileTime{LowDateTime: 0xffffffff, HighDateTime: 0x7fffffff}

// LogonInfo is KERB_VALIDATION_INFO.
type LogonInfo struct {
	LogonTime          mstypes.FileTime
	LogoffTime         mstypes.FileTime
	KickOffTime        mstypes.FileTime
	PasswordLastSet    mstypes.FileTime
	PasswordCanChange  mstypes.FileTime
	PasswordMustChange mstypes.FileTime

	EffectiveName      string
	FullName           string
	LogonScript        string
	ProfilePath        string
	HomeDirectory      string
	HomeDirectoryDrive string

	LogonCount       uint16
	BadPasswordCount uint16
	UserID           uint32
	PrimaryGroupID   uint32
	GroupIDs         []mstypes.GroupMembership
	UserFlags        uint32
	UserSessionKey   [16]byte

	LogonServer     string
	LogonDomainName string
	LogonDomainID   *mstypes.RPCSID

	UserAccountControl   uint32
	SubAuthStatus        uint32
	LastSuccessfulILogon mstypes.FileTime
	LastFailedILogon     mstypes.FileTime
	FailedILogonCount    uint32

	ExtraSIDs              []mstypes.KerbSidAndAttributes
	ResourceGroupDomainSID *mstypes.RPCSID
	ResourceGroupIDs       []mstypes.GroupMembership
}

func (*LogonInfo) Type() uint32 { return TypeLogonInfo }

func writeGroups(e *ndr.Encoder, groups []mstypes.GroupMembership) {
	e.Pointer(len(groups) > 0, func(e *ndr.Encoder) {
		e.Uint32(uint32(len(groups)))
		for _, g := range groups {
			e.Uint32(g.RelativeID)
			e.Uint32(g.Attributes)
		}
	})
}

func readGroups(d *ndr.Decoder, declared uint32, dst *[]mstypes.GroupMembership) {
	d.Pointer(func(d *ndr.Decoder) {
		n := d.Count(declared, 8)
		out := make([]mstypes.GroupMembership, n)
		for i := range out {
			out[i].RelativeID = d.Uint32()
			out[i].Attributes = d.Uint32()
		}
		*dst = out
	})
}

func (l *LogonInfo) Marshal() ([]byte, error) {
	return ndr.Serialize(func(e *ndr.Encoder) {
		for _, ft := range []mstypes.FileTime{l.LogonTime, l.LogoffTime, l.KickOffTime, l.PasswordLastSet, l.PasswordCanChange, l.PasswordMustChange} {
			e.FileTime(ft)
		}
		for _, s := range []string{l.EffectiveName, l.FullName, l.LogonScript, l.ProfilePath, l.HomeDirectory, l.HomeDirectoryDrive} {
			e.UnicodeString(s)
		}
		e.Uint16(l.LogonCount)
		e.Uint16(l.BadPasswordCount)
		e.Uint32(l.UserID)
		e.Uint32(l.PrimaryGroupID)
		e.Uint32(uint32(len(l.GroupIDs)))
		writeGroups(e, l.GroupIDs)
		e.Uint32(l.UserFlags)
		e.Raw(l.UserSessionKey[:])
		e.UnicodeString(l.LogonServer)
		e.UnicodeString(l.LogonDomainName)
		e.SIDPointer(l.LogonDomainID)
		e.Uint32(0) // Reserved1
		e.Uint32(0)
		e.Uint32(l.UserAccountControl)
		e.Uint32(l.SubAuthStatus)
		e.FileTime(l.LastSuccessfulILogon)
		e.FileTime(l.LastFailedILogon)
		e.Uint32(l.FailedILogonCount)
		e.Uint32(0) // Reserved3
		e.Uint32(uint32(len(l.ExtraSIDs)))
		sids := l.ExtraSIDs
		e.Pointer(len(sids) > 0, func(e *ndr.Encoder) {
			e.Uint32(uint32(len(sids)))
			for i := range sids {
				sid := sids[i].SID
				e.SIDPointer(&sid)
				e.Uint32(sids[i].Attributes)
			}
		})
		e.SIDPointer(l.ResourceGroupDomainSID)
		e.Uint32(uint32(len(l.ResourceGroupIDs)))
		writeGroups(e, l.ResourceGroupIDs)
	}), nil
}

func (l *LogonInfo) Unmarshal(b []byte) error {
	var out LogonInfo
	err := ndr.Deserialize(b, func(d *ndr.Decoder) {
		for _, ft := range []*mstypes.FileTime{&out.LogonTime, &out.LogoffTime, &out.KickOffTime, &out.PasswordLastSet, &out.PasswordCanChange, &out.PasswordMustChange} {
			*ft = d.FileTime()
		}
		for _, s := range []*string{&out.EffectiveName, &out.FullName, &out.LogonScript, &out.ProfilePath, &out.HomeDirectory, &out.HomeDirectoryDrive} {
			d.UnicodeString(s)
		}
		out.LogonCount = d.Uint16()
		out.BadPasswordCount = d.Uint16()
		out.UserID = d.Uint32()
		out.PrimaryGroupID = d.Uint32()
		groupCount := d.Uint32()
		readGroups(d, groupCount, &out.GroupIDs)
		out.UserFlags = d.Uint32()
		copy(out.UserSessionKey[:], d.Raw(16))
		d.UnicodeString(&out.LogonServer)
		d.UnicodeString(&out.LogonDomainName)
		d.SIDPointer(&out.LogonDomainID)
		d.Uint32()
		d.Uint32()
		out.UserAccountControl = d.Uint32()
		out.SubAuthStatus = d.Uint32()
		out.LastSuccessfulILogon = d.FileTime()
		out.LastFailedILogon = d.FileTime()
		out.FailedILogonCount = d.Uint32()
		d.Uint32()
		sidCount := d.Uint32()
		d.Pointer(func(d *ndr.Decoder) {
			n := d.Count(sidCount, 8)
			out.ExtraSIDs = make([]mstypes.KerbSidAndAttributes, n)
			for i := range out.ExtraSIDs {
				d.Pointer(func(d *ndr.Decoder) { out.ExtraSIDs[i].SID = d.SID() })
				out.ExtraSIDs[i].Attributes = d.Uint32()
			}
		})
		d.SIDPointer(&out.ResourceGroupDomainSID)
		resCount := d.Uint32()
		readGroups(d, resCount, &out.ResourceGroupIDs)
	})
	if err != nil {
		return fmt.Errorf("logon info: %w", err)
	}
	*l = out
	return nil
}

// GroupSIDs returns the SIDs of every group the user is a member of:
// domain groups, extra SIDs and resource groups, without duplicates.
func (l *LogonInfo) GroupSIDs() []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if l.LogonDomainID != nil {
		dom := l.LogonDomainID.String()
		for _, g := range l.GroupIDs {
			add(fmt.Sprintf("%s-%d", dom, g.RelativeID))
		}
	}
	for i := range l.ExtraSIDs {
		add(l.ExtraSIDs[i].SID.String())
	}
	if l.ResourceGroupDomainSID != nil {
		dom := l.ResourceGroupDomainSID.String()
		for _, g := range l.ResourceGroupIDs {
			add(fmt.Sprintf("%s-%d", dom, g.RelativeID))
		}
	}
	return out
}

// UserSID returns the user's SID, the domain SID plus the user RID.
func (l *LogonInfo) UserSID() string {
	if l.LogonDomainID == nil {
		return ""
	}
	return fmt.Sprintf("%s-%d", l.LogonDomainID.String(), l.UserID)
}
