package ymodem

// FeatureFlags is a bitfield over the capability set a profile grants.
// ALLOW_YMODEM_G requires ALLOW_1K — enforced by the static ProgramProfile
// table below, not by callers.
type FeatureFlags uint8

const (
	UseLength FeatureFlags = 1 << iota
	UseDate
	UseMode
	UseSN
	Allow1K
	AllowYmodemG
)

// Has reports whether all bits in f are set.
func (flags FeatureFlags) Has(f FeatureFlags) bool { return flags&f == f }

// ProgramProfile selects one of five fixed capability sets, each
// modeled after a well-known XMODEM/YMODEM implementation's feature
// set, rather than negotiating capabilities dynamically per transfer.
type ProgramProfile int

const (
	ProfileRZSZ    ProgramProfile = iota // rz/sz
	ProfileRBSB                          // rb/sb
	ProfileProYAM                        // Pro-YAM
	ProfileCPMYAM                        // CP/M YAM
	ProfileKMDIMP                        // KMD/IMP
)

// profileTable holds each profile's fixed FeatureFlags.
var profileTable = map[ProgramProfile]FeatureFlags{
	ProfileRZSZ:   UseLength | UseDate | UseMode | Allow1K,
	ProfileRBSB:   UseLength | Allow1K,
	ProfileProYAM: UseLength | UseDate | UseSN | Allow1K | AllowYmodemG,
	ProfileCPMYAM: Allow1K,
	ProfileKMDIMP: Allow1K,
}

// Features returns the FeatureFlags for a profile.
func (p ProgramProfile) Features() FeatureFlags {
	return profileTable[p]
}

func (p ProgramProfile) String() string {
	switch p {
	case ProfileRZSZ:
		return "rzsz"
	case ProfileRBSB:
		return "rbsb"
	case ProfileProYAM:
		return "pyam"
	case ProfileCPMYAM:
		return "cyam"
	case ProfileKMDIMP:
		return "kimp"
	default:
		return "unknown"
	}
}

// resolvePacketSize applies the downgrade rule: requesting 1024 without
// ALLOW_1K silently downgrades to 128. It does not check ALLOW_YMODEM_G;
// the sender and receiver check that flag during the start handshake.
func resolvePacketSize(requested int, flags FeatureFlags) int {
	if requested >= longPacketSize && flags.Has(Allow1K) {
		return longPacketSize
	}
	return shortPacketSize
}
