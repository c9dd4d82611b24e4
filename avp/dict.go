// Package avp implements the Diameter AVP and message wire codec (RFC 3588
// section 4 and 8.2), kept deliberately small: just enough dictionary,
// encoding and accessor surface for a base-protocol peer node to build and
// parse CER/CEA/DWR/DWA/DPR/DPA and to let a Dispatcher inspect application
// messages it does not otherwise understand.
package avp

// Type is one of the Diameter AVP base data types (RFC 3588 section 4.2).
type Type int

const (
	TypeUnknown Type = iota
	TypeOctetString
	TypeInteger32
	TypeInteger64
	TypeUnsigned32
	TypeUnsigned64
	TypeFloat32
	TypeFloat64
	TypeGrouped
	TypeAddress
	TypeTime
	TypeUTF8String
	TypeDiamIdent
	TypeDiameterURI
	TypeEnumerated
)

// DictEntry describes one AVP code in the dictionary.
type DictEntry struct {
	Code      uint32
	VendorId  uint32
	Name      string
	Type      Type
	Mandatory bool // default M-bit to set when built via Message.Add
}

// CommandEntry describes one command code within an application.
type CommandEntry struct {
	Code uint32
	Name string
}

// ApplicationEntry describes one Diameter application (the common
// application, id 0, plus whatever the embedder registers).
type ApplicationEntry struct {
	Id             uint32
	Name           string
	CommandsByCode map[uint32]CommandEntry
	CommandsByName map[string]CommandEntry
}

type avpKey struct {
	vendor uint32
	code   uint32
}

// Dictionary is a mutable catalog of AVP and application/command
// definitions. A Dictionary is not safe for concurrent writes, but is safe
// for concurrent reads once populated; Base is built once at package init
// and embedders should Clone() it before registering application-specific
// extensions.
type Dictionary struct {
	avpByName map[string]DictEntry
	avpByCode map[avpKey]DictEntry
	appById   map[uint32]ApplicationEntry
	appByName map[string]ApplicationEntry
}

// NewDictionary returns an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		avpByName: make(map[string]DictEntry),
		avpByCode: make(map[avpKey]DictEntry),
		appById:   make(map[uint32]ApplicationEntry),
		appByName: make(map[string]ApplicationEntry),
	}
}

// Clone returns a deep-enough copy that new registrations on the clone do
// not affect the original.
func (d *Dictionary) Clone() *Dictionary {
	c := NewDictionary()
	for k, v := range d.avpByName {
		c.avpByName[k] = v
	}
	for k, v := range d.avpByCode {
		c.avpByCode[k] = v
	}
	for k, v := range d.appById {
		c.appById[k] = v
	}
	for k, v := range d.appByName {
		c.appByName[k] = v
	}
	return c
}

// RegisterAVP adds or replaces an AVP definition.
func (d *Dictionary) RegisterAVP(e DictEntry) {
	d.avpByName[e.Name] = e
	d.avpByCode[avpKey{e.VendorId, e.Code}] = e
}

// RegisterApplication adds or replaces an application definition.
func (d *Dictionary) RegisterApplication(a ApplicationEntry) {
	d.appById[a.Id] = a
	d.appByName[a.Name] = a
}

func (d *Dictionary) AVPByName(name string) (DictEntry, bool) {
	e, ok := d.avpByName[name]
	return e, ok
}

func (d *Dictionary) AVPByCode(vendorId, code uint32) (DictEntry, bool) {
	e, ok := d.avpByCode[avpKey{vendorId, code}]
	return e, ok
}

func (d *Dictionary) Application(id uint32) (ApplicationEntry, bool) {
	a, ok := d.appById[id]
	return a, ok
}

func (d *Dictionary) ApplicationByName(name string) (ApplicationEntry, bool) {
	a, ok := d.appByName[name]
	return a, ok
}

func (d *Dictionary) CommandName(appId, commandCode uint32) string {
	app, ok := d.appById[appId]
	if !ok {
		return ""
	}
	if c, ok := app.CommandsByCode[commandCode]; ok {
		return c.Name
	}
	return ""
}

// Names/codes of the base (application id 0) AVPs and commands this module
// needs, mirroring diamdict/diamcodec's constants.
const (
	CommandCapabilitiesExchange = 257
	CommandDeviceWatchdog       = 280
	CommandDisconnectPeer       = 282

	AppCommon = 0
)

// Base is the common-application dictionary, populated with every AVP and
// command this core needs to run CER/CEA/DWR/DWA/DPR/DPA and the routing
// checks (loop detection, application filtering). Embedders extend it (or a
// Clone of it) with their own application's AVPs.
var Base = buildBaseDictionary()

func buildBaseDictionary() *Dictionary {
	d := NewDictionary()

	avps := []DictEntry{
		{Code: 263, Name: "Session-Id", Type: TypeUTF8String, Mandatory: true},
		{Code: 264, Name: "Origin-Host", Type: TypeDiamIdent, Mandatory: true},
		{Code: 296, Name: "Origin-Realm", Type: TypeDiamIdent, Mandatory: true},
		{Code: 293, Name: "Destination-Host", Type: TypeDiamIdent, Mandatory: true},
		{Code: 283, Name: "Destination-Realm", Type: TypeDiamIdent, Mandatory: true},
		{Code: 268, Name: "Result-Code", Type: TypeUnsigned32, Mandatory: true},
		{Code: 257, Name: "Host-IP-Address", Type: TypeAddress, Mandatory: true},
		{Code: 266, Name: "Vendor-Id", Type: TypeUnsigned32, Mandatory: true},
		{Code: 269, Name: "Product-Name", Type: TypeUTF8String, Mandatory: false},
		{Code: 278, Name: "Origin-State-Id", Type: TypeUnsigned32, Mandatory: true},
		{Code: 267, Name: "Firmware-Revision", Type: TypeUnsigned32, Mandatory: false},
		{Code: 265, Name: "Supported-Vendor-Id", Type: TypeUnsigned32, Mandatory: true},
		{Code: 258, Name: "Auth-Application-Id", Type: TypeUnsigned32, Mandatory: true},
		{Code: 259, Name: "Acct-Application-Id", Type: TypeUnsigned32, Mandatory: true},
		{Code: 260, Name: "Vendor-Specific-Application-Id", Type: TypeGrouped, Mandatory: true},
		{Code: 282, Name: "Route-Record", Type: TypeDiamIdent, Mandatory: true},
		{Code: 273, Name: "Disconnect-Cause", Type: TypeEnumerated, Mandatory: true},
		{Code: 281, Name: "Error-Message", Type: TypeUTF8String, Mandatory: false},
		{Code: 294, Name: "Error-Reporting-Host", Type: TypeDiamIdent, Mandatory: false},
		{Code: 279, Name: "Failed-AVP", Type: TypeGrouped, Mandatory: true},
		{Code: 277, Name: "Auth-Session-State", Type: TypeEnumerated, Mandatory: true},
		{Code: 261, Name: "Inband-Security-Id", Type: TypeUnsigned32, Mandatory: false},
	}
	for _, e := range avps {
		d.RegisterAVP(e)
	}

	d.RegisterApplication(ApplicationEntry{
		Id:   AppCommon,
		Name: "Base",
		CommandsByCode: map[uint32]CommandEntry{
			CommandCapabilitiesExchange: {Code: CommandCapabilitiesExchange, Name: "Capabilities-Exchange"},
			CommandDeviceWatchdog:       {Code: CommandDeviceWatchdog, Name: "Device-Watchdog"},
			CommandDisconnectPeer:       {Code: CommandDisconnectPeer, Name: "Disconnect-Peer"},
		},
		CommandsByName: map[string]CommandEntry{
			"Capabilities-Exchange": {Code: CommandCapabilitiesExchange, Name: "Capabilities-Exchange"},
			"Device-Watchdog":       {Code: CommandDeviceWatchdog, Name: "Device-Watchdog"},
			"Disconnect-Peer":       {Code: CommandDisconnectPeer, Name: "Disconnect-Peer"},
		},
	})

	return d
}
