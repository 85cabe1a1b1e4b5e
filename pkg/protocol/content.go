package protocol

import (
	"github.com/google/uuid"
)

// Content kinds
const (
	KindText          = "text"
	KindFilesRequest  = "files-request"
	KindFilesResponse = "files-response"
)

// Content is the typed payload of an envelope. Implementations form a fixed
// set; the two routing points (send-side file handling, receive-side
// dispatch) switch exhaustively on the concrete type.
type Content interface {
	Kind() string
}

// SenderInfo identifies the device that produced an envelope.
type SenderInfo struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

// ===== TEXT =====

// TextMessage is a plain chat message.
type TextMessage struct {
	Text string `json:"text"`
}

// Kind returns the content kind
func (TextMessage) Kind() string { return KindText }

// ===== FILE TRANSFER NEGOTIATION =====

// FileInfo describes one file offered in a transfer.
type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"` // BLAKE2b-256, hex
}

// FilesRequest offers to transfer the listed files. The transfer id keys
// the dedicated file socket that will carry the payload bytes.
type FilesRequest struct {
	TransferID string     `json:"transferId"`
	Files      []FileInfo `json:"files"`
}

// Kind returns the content kind
func (FilesRequest) Kind() string { return KindFilesRequest }

// NewFilesRequest builds a request for the given files with a freshly
// generated transfer id, unique for the lifetime of the channel.
func NewFilesRequest(files []FileInfo) FilesRequest {
	return FilesRequest{
		TransferID: uuid.NewString(),
		Files:      files,
	}
}

// FilesResponse accepts or declines a pending FilesRequest.
type FilesResponse struct {
	TransferID string     `json:"transferId"`
	Accepted   bool       `json:"accepted"`
	Files      []FileInfo `json:"files,omitempty"` // subset actually accepted
}

// Kind returns the content kind
func (FilesResponse) Kind() string { return KindFilesResponse }

// IsFileContent reports whether content belongs to the file-transfer
// negotiation and must be routed through the file channel multiplexer.
func IsFileContent(c Content) bool {
	switch c.(type) {
	case FilesRequest, FilesResponse:
		return true
	default:
		return false
	}
}
