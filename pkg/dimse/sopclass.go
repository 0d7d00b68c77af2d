package dimse

import "strings"

// Well-known SOP class and protocol UIDs.
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"

	VerificationSOPClass = "1.2.840.10008.1.1"

	StudyRootQueryRetrieveFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveGet  = "1.2.840.10008.5.1.4.1.2.2.3"

	// ImplementationClassUID identifies this gateway in association negotiation.
	ImplementationClassUID = "1.2.826.0.1.3680043.9.7433.2.1"
	// ImplementationVersionName is sent in the user information item.
	ImplementationVersionName = "DICOMWEB_PROXY_1"
)

// StorageSOPClasses lists the storage SOP classes the SCP accepts and the SCU
// proposes for C-GET retrievals. The list covers the image and document
// objects hospital PACS commonly hold.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",       // CR Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",     // Digital X-Ray (presentation)
	"1.2.840.10008.5.1.4.1.1.1.1.1",   // Digital X-Ray (processing)
	"1.2.840.10008.5.1.4.1.1.1.2",     // Digital Mammography (presentation)
	"1.2.840.10008.5.1.4.1.1.1.2.1",   // Digital Mammography (processing)
	"1.2.840.10008.5.1.4.1.1.2",       // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1",     // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.3.1",     // Ultrasound Multi-frame
	"1.2.840.10008.5.1.4.1.1.4",       // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1",     // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1",     // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.7",       // Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.1",     // Multi-frame Single Bit SC
	"1.2.840.10008.5.1.4.1.1.7.2",     // Multi-frame Grayscale Byte SC
	"1.2.840.10008.5.1.4.1.1.7.3",     // Multi-frame Grayscale Word SC
	"1.2.840.10008.5.1.4.1.1.7.4",     // Multi-frame True Color SC
	"1.2.840.10008.5.1.4.1.1.12.1",    // X-Ray Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.12.2",    // X-Ray Radiofluoroscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.20",      // Nuclear Medicine Image Storage
	"1.2.840.10008.5.1.4.1.1.66",      // Raw Data Storage
	"1.2.840.10008.5.1.4.1.1.88.11",   // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22",   // Enhanced SR
	"1.2.840.10008.5.1.4.1.1.88.33",   // Comprehensive SR
	"1.2.840.10008.5.1.4.1.1.104.1",   // Encapsulated PDF Storage
	"1.2.840.10008.5.1.4.1.1.128",     // PET Image Storage
	"1.2.840.10008.5.1.4.1.1.130",     // Enhanced PET Image Storage
	"1.2.840.10008.5.1.4.1.1.481.1",   // RT Image Storage
	"1.2.840.10008.5.1.4.1.1.481.2",   // RT Dose Storage
	"1.2.840.10008.5.1.4.1.1.481.3",   // RT Structure Set Storage
	"1.2.840.10008.5.1.4.1.1.481.5",   // RT Plan Storage
	"1.2.840.10008.5.1.4.1.1.77.1.1",  // VL Endoscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.2",  // VL Microscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.4",  // VL Photographic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.5.1", // Ophthalmic Photography 8 Bit
}

// IsStorageSOPClass reports whether uid names a storage SOP class. Any UID
// under the 1.2.840.10008.5.1.4.1.1 root is a composite storage object.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}
