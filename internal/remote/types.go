package remote

// Wire DTOs for the BlueBubbles HTTP API. Responses wrap payloads in
// {"status": ..., "message": ..., "data": ...}.

type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type chatDTO struct {
	GUID           string      `json:"guid"`
	ChatIdentifier string      `json:"chatIdentifier"`
	DisplayName    string      `json:"displayName"`
	Style          int         `json:"style"`
	IsArchived     bool        `json:"isArchived"`
	LastMessage    *messageDTO `json:"lastMessage"`
}

type messageDTO struct {
	GUID          string          `json:"guid"`
	OriginalROWID int64           `json:"originalROWID"`
	TempGUID      string          `json:"tempGuid"`
	Text          string          `json:"text"`
	DateCreated   int64           `json:"dateCreated"`
	DateRead      int64           `json:"dateRead"`
	DateDelivered int64           `json:"dateDelivered"`
	IsFromMe      bool            `json:"isFromMe"`
	Handle        *handleDTO      `json:"handle"`
	Chats         []chatDTO       `json:"chats"`
	Attachments   []attachmentDTO `json:"attachments"`
}

type handleDTO struct {
	Address string `json:"address"`
}

type attachmentDTO struct {
	GUID         string `json:"guid"`
	TransferName string `json:"transferName"`
	MimeType     string `json:"mimeType"`
	TotalBytes   int64  `json:"totalBytes"`
}

// ServerInfo describes the remote server, from /api/v1/server/info.
type ServerInfo struct {
	OSVersion     string `json:"os_version"`
	ServerVersion string `json:"server_version"`
	PrivateAPI    bool   `json:"private_api"`
}

// SendResult is the server's direct response to a text send.
type SendResult struct {
	GUID string
	Seq  int64
}
