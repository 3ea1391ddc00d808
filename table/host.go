package table

import "strconv"

// is64BitHost decides which of the two ActiveSection size caps §4.7
// specifies applies on this platform.
var is64BitHost = strconv.IntSize == 64
