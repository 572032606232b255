package zipw

// Compression methods.
const (
	MethodStore   uint16 = 0
	MethodDeflate uint16 = 8
)

const (
	fileHeaderSignature      = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature    = 0x06054b50
	dataDescriptorSignature  = 0x08074b50
	fileHeaderLen            = 30 // + name + extra
	directoryHeaderLen       = 46 // + name + extra + comment
	directoryEndLen          = 22 // + comment
	dataDescriptorLen        = 16 // signature, crc32, compressed size, size

	creatorUnix  = 3
	zipVersion20 = 20

	// Limits for archives without zip64 records. The all-ones values are
	// reserved as zip64 markers, so usable values stay strictly below them.
	uint16max = (1 << 16) - 1
	uint32max = (1 << 32) - 1

	// Extended timestamp extra field carrying the modification time only.
	extTimeExtraID  = 0x5455
	extTimeExtraLen = 9 // id, size, flags, mtime
	extTimeModTime  = 0x1

	// General purpose flag bits.
	flagDataDescriptor = 0x8
	flagUTF8           = 0x800

	// Unix file type bits and the MS-DOS directory attribute, as stored in
	// the external attributes.
	unixTypeRegular = 0o100000
	unixTypeDir     = 0o040000
	msdosDir        = 0x10

	// maxStoredBlock is the largest DEFLATE stored block. Incompressible
	// input costs at most 5 header bytes per block.
	maxStoredBlock = 65535
)
