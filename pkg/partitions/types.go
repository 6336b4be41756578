package partitions

import "github.com/google/uuid"

// Well-known GPT partition type GUIDs.
var (
	TypeEmpty             = uuid.Nil
	TypeEFISystem         = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	TypeBIOSBoot          = uuid.MustParse("21686148-6449-6E6F-744E-656564454649")
	TypeMicrosoftReserved = uuid.MustParse("E3C9E316-0B5C-4DB8-817D-F92DF00215AE")
	TypeBasicData         = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	TypeLDMMetadata       = uuid.MustParse("5808C8AA-7E8F-42E0-85D2-E1E90434CFB3")
	TypeLDMData           = uuid.MustParse("AF9B60A0-1431-4F62-BC68-3311714A69AD")
	TypeWindowsRecovery   = uuid.MustParse("DE94BBA4-06D1-4D40-A16A-BFD50179D6AC")
	TypeLinuxFilesystem   = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	TypeLinuxRootX86_64   = uuid.MustParse("4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709")
	TypeLinuxSwap         = uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F")
	TypeLinuxLVM          = uuid.MustParse("E6D6D379-F507-44C2-A23C-238F2A3DF928")
	TypeLinuxRAID         = uuid.MustParse("A19D880F-05FC-4D3B-A006-743F0F84911E")
	TypeAppleHFSPlus      = uuid.MustParse("48465300-0000-11AA-AA11-00306543ECAC")
	TypeAppleAPFS         = uuid.MustParse("7C3457EF-0000-11AA-AA11-00306543ECAC")
)

var gptTypeNames = map[uuid.UUID]string{
	TypeEmpty:             "Unused",
	TypeEFISystem:         "EFI System",
	TypeBIOSBoot:          "BIOS Boot",
	TypeMicrosoftReserved: "Microsoft Reserved",
	TypeBasicData:         "Windows Basic Data",
	TypeLDMMetadata:       "Windows Logical Disk Manager Metadata",
	TypeLDMData:           "Windows Logical Disk Manager Data",
	TypeWindowsRecovery:   "Windows Recovery Environment",
	TypeLinuxFilesystem:   "Linux Filesystem",
	TypeLinuxRootX86_64:   "Linux Root (x86-64)",
	TypeLinuxSwap:         "Linux Swap",
	TypeLinuxLVM:          "Linux LVM",
	TypeLinuxRAID:         "Linux RAID",
	TypeAppleHFSPlus:      "Apple HFS+",
	TypeAppleAPFS:         "Apple APFS",
}

// GUIDTypeName returns a readable name for a GPT partition type.
func GUIDTypeName(t uuid.UUID) string {
	if name, ok := gptTypeNames[t]; ok {
		return name
	}
	return t.String()
}

// Well-known BIOS partition types.
const (
	BIOSTypeEmpty          byte = 0x00
	BIOSTypeFat12          byte = 0x01
	BIOSTypeFat16Small     byte = 0x04
	BIOSTypeExtended       byte = 0x05
	BIOSTypeFat16          byte = 0x06
	BIOSTypeNTFS           byte = 0x07
	BIOSTypeFat32          byte = 0x0B
	BIOSTypeFat32LBA       byte = 0x0C
	BIOSTypeFat16LBA       byte = 0x0E
	BIOSTypeExtendedLBA    byte = 0x0F
	BIOSTypeWindowsDynamic byte = 0x42
	BIOSTypeLinuxSwap      byte = 0x82
	BIOSTypeLinuxNative    byte = 0x83
	BIOSTypeLinuxExtended  byte = 0x85
	BIOSTypeLinuxLVM       byte = 0x8E
	BIOSTypeApplePartition byte = 0xAF
	BIOSTypeGPTProtective  byte = 0xEE
	BIOSTypeEFISystem      byte = 0xEF
)

var biosTypeNames = map[byte]string{
	BIOSTypeEmpty:          "Unused",
	BIOSTypeFat12:          "FAT12",
	BIOSTypeFat16Small:     "FAT16 (<32M)",
	BIOSTypeExtended:       "Extended (CHS)",
	BIOSTypeFat16:          "FAT16",
	BIOSTypeNTFS:           "NTFS",
	BIOSTypeFat32:          "FAT32 (CHS)",
	BIOSTypeFat32LBA:       "FAT32 (LBA)",
	BIOSTypeFat16LBA:       "FAT16 (LBA)",
	BIOSTypeExtendedLBA:    "Extended (LBA)",
	BIOSTypeWindowsDynamic: "Windows Dynamic Volume",
	BIOSTypeLinuxSwap:      "Linux Swap",
	BIOSTypeLinuxNative:    "Linux",
	BIOSTypeLinuxExtended:  "Linux Extended",
	BIOSTypeLinuxLVM:       "Linux LVM",
	BIOSTypeApplePartition: "Apple Partition",
	BIOSTypeGPTProtective:  "GPT Protective",
	BIOSTypeEFISystem:      "EFI System",
}

// BIOSTypeName returns a readable name for a BIOS partition type.
func BIOSTypeName(t byte) string {
	if name, ok := biosTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

func isExtended(t byte) bool {
	return t == BIOSTypeExtended || t == BIOSTypeExtendedLBA || t == BIOSTypeLinuxExtended
}
