// SPDX-License-Identifier: GPL-3.0-or-later

package trace

import (
	"encoding/xml"
	"io"
	"net/netip"
)

// Position is the 2D position of a node in the layout.
type Position struct {
	// X is the horizontal coordinate.
	X float64 `yaml:"x"`

	// Y is the vertical coordinate.
	Y float64 `yaml:"y"`
}

// LayoutLink describes a link between two nodes of the layout.
type LayoutLink struct {
	// From is the index of the first node.
	From int

	// To is the index of the second node.
	To int

	// FromAddr is the address of the device on From.
	FromAddr netip.Addr

	// ToAddr is the address of the device on To.
	ToAddr netip.Addr
}

// Layout is the topology exported for visualization.
type Layout struct {
	// Nodes contains the position of each node, indexed by node ID.
	Nodes []Position

	// Links contains the links between nodes.
	Links []LayoutLink
}

// animVersion is the format version written in the document.
const animVersion = "netanim-3.108"

type animDoc struct {
	XMLName  xml.Name     `xml:"anim"`
	Version  string       `xml:"ver,attr"`
	FileType string       `xml:"filetype,attr"`
	Topology animTopology `xml:"topology"`
	Links    []animLink   `xml:"link"`
}

type animTopology struct {
	MinX  float64    `xml:"minX,attr"`
	MinY  float64    `xml:"minY,attr"`
	MaxX  float64    `xml:"maxX,attr"`
	MaxY  float64    `xml:"maxY,attr"`
	Nodes []animNode `xml:"node"`
}

type animNode struct {
	ID    int     `xml:"id,attr"`
	SysID int     `xml:"sysId,attr"`
	X     float64 `xml:"locX,attr"`
	Y     float64 `xml:"locY,attr"`
}

type animLink struct {
	From     int    `xml:"fromId,attr"`
	To       int    `xml:"toId,attr"`
	FromAddr string `xml:"fd,attr"`
	ToAddr   string `xml:"td,attr"`
}

// WriteAnimation writes the layout as an XML animation document.
func WriteAnimation(w io.Writer, layout *Layout) error {
	doc := animDoc{Version: animVersion, FileType: "animation"}
	for i, pos := range layout.Nodes {
		if i == 0 {
			doc.Topology.MinX, doc.Topology.MaxX = pos.X, pos.X
			doc.Topology.MinY, doc.Topology.MaxY = pos.Y, pos.Y
		}
		doc.Topology.MinX = min(doc.Topology.MinX, pos.X)
		doc.Topology.MinY = min(doc.Topology.MinY, pos.Y)
		doc.Topology.MaxX = max(doc.Topology.MaxX, pos.X)
		doc.Topology.MaxY = max(doc.Topology.MaxY, pos.Y)
		doc.Topology.Nodes = append(doc.Topology.Nodes, animNode{ID: i, X: pos.X, Y: pos.Y})
	}
	for _, lnk := range layout.Links {
		doc.Links = append(doc.Links, animLink{
			From:     lnk.From,
			To:       lnk.To,
			FromAddr: lnk.FromAddr.String(),
			ToAddr:   lnk.ToAddr.String(),
		})
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
