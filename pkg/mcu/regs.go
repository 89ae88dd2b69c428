package mcu

// HCS12 register map (default register block at 0x0000).
const (
	RegINITRM  = 0x0010
	RegINITRG  = 0x0011
	RegINITEE  = 0x0012
	RegPARTID  = 0x001a
	RegPPAGE   = 0x0030
	RegCOPCTL  = 0x003c
	RegFCLKDIV = 0x0100
	RegFSEC    = 0x0101
	RegFCNFG   = 0x0103
	RegFPROT   = 0x0104
	RegFSTAT   = 0x0105
	RegFCMD    = 0x0106
	RegECLKDIV = 0x0110
	RegECNFG   = 0x0113
	RegEPROT   = 0x0114
	RegESTAT   = 0x0115
	RegECMD    = 0x0116
	RegEADDR   = 0x0118
	RegEDATA   = 0x011a
)

// FSTAT/ESTAT bits.
const (
	StatCBEIF  = 0x80
	StatCCIF   = 0x40
	StatPVIOL  = 0x20
	StatACCERR = 0x10
	StatBLANK  = 0x04
)

// FCMD/ECMD commands.
const (
	CmdEraseVerify = 0x05
	CmdProgram     = 0x20
	CmdSectorErase = 0x40
	CmdMassErase   = 0x41
)

// FLASH configuration field, at the top of the last page.
const (
	FlashSecurityAddr = 0xff0e
	FlashProtectAddr  = 0xff0d
	FlashResetVector  = 0xfffe

	SecurityUnsecured = 0xfffe
	SecuritySecured   = 0xfffc
)

// EPROT bits.
const (
	EPOPEN = 0x80
	EPDIS  = 0x08
	EPMask = 0x07
)

// FPROT bits (high area only).
const (
	FPOPEN  = 0x80
	FPHDIS  = 0x20
	FPHMask = 0x18
)

// BaseFromInit extracts the base address held in an INITRM/INITEE value.
func BaseFromInit(v byte) uint32 {
	return uint32(v&0xf8) << 8
}

// SecuredFSEC reports whether an FSEC value leaves the part secured.
func SecuredFSEC(fsec byte) bool {
	return fsec&0x03 != 0x02
}
