package histopath

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Annotations are the polygons and points of an annotation file, in full
// resolution slide coordinates.
type Annotations struct {
	Polygons []orb.Polygon
	Points   []orb.Point
}

// A Parser parses annotations.
type Parser interface {
	Parse(data []byte) (*Annotations, error)
}

// A GeoJSONParser parses GeoJSON annotations.
type GeoJSONParser struct{}

// An ASAPParser parses ASAP XML annotations.
type ASAPParser struct{}

// A QuPathParser parses QuPath JSON annotations.
type QuPathParser struct{}

var geoJSONTypes = []string{
	"Feature",
	"FeatureCollection",
	"GeometryCollection",
	"MultiPoint",
	"MultiPolygon",
	"Point",
	"Polygon",
}

// ParseAnnotationsFile parses the annotation file called name in fsys.
func ParseAnnotationsFile(fsys fs.FS, name string) (*Annotations, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	parser, err := ParserForFile(name, data)
	if err != nil {
		return nil, err
	}
	annotations, err := parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return annotations, nil
}

// ParserForFile returns the parser for the annotation file called name with
// contents data. XML files are ASAP files. JSON files are QuPath files if
// their objects have an objectType or roi, and GeoJSON files otherwise.
func ParserForFile(name string, data []byte) (Parser, error) {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".xml":
		return ASAPParser{}, nil
	case ".json", ".geojson":
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return GeoJSONParser{}, nil
		}
		var object map[string]any
		switch value := value.(type) {
		case map[string]any:
			if typ, ok := value["type"].(string); ok && slices.Contains(geoJSONTypes, typ) {
				return GeoJSONParser{}, nil
			}
			object = value
		case []any:
			if len(value) > 0 {
				object, _ = value[0].(map[string]any)
			}
		}
		if isQuPathObject(object) {
			return QuPathParser{}, nil
		}
		return GeoJSONParser{}, nil
	default:
		return nil, fmt.Errorf("%s: annotation file extension %q: %w", name, ext, errors.ErrUnsupported)
	}
}

func isQuPathObject(object map[string]any) bool {
	if object == nil {
		return false
	}
	_, hasObjectType := object["objectType"]
	_, hasROI := object["roi"]
	_, hasObjects := object["objects"]
	return hasObjectType || hasROI || hasObjects
}

// Parse parses GeoJSON data.
func (GeoJSONParser) Parse(data []byte) (*Annotations, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}

	annotations := &Annotations{}
	switch header.Type {
	case "FeatureCollection":
		featureCollection, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, err
		}
		for _, feature := range featureCollection.Features {
			annotations.add(feature.Geometry)
		}
	case "Feature":
		feature, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, err
		}
		annotations.add(feature.Geometry)
	default:
		geometry, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, err
		}
		annotations.add(geometry.Geometry())
	}
	return annotations, nil
}

type asapAnnotations struct {
	XMLName     xml.Name         `xml:"ASAP_Annotations"`
	Annotations []asapAnnotation `xml:"Annotations>Annotation"`
}

type asapAnnotation struct {
	Name        string           `xml:"Name,attr"`
	Type        string           `xml:"Type,attr"`
	PartOfGroup string           `xml:"PartOfGroup,attr"`
	Coordinates []asapCoordinate `xml:"Coordinates>Coordinate"`
}

type asapCoordinate struct {
	Order int     `xml:"Order,attr"`
	X     float64 `xml:"X,attr"`
	Y     float64 `xml:"Y,attr"`
}

// Parse parses ASAP XML data. Polygon and spline annotations with at least
// three coordinates are polygons. Point and dot annotations are points.
func (ASAPParser) Parse(data []byte) (*Annotations, error) {
	var doc asapAnnotations
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	annotations := &Annotations{}
	for _, annotation := range doc.Annotations {
		coordinates := slices.Clone(annotation.Coordinates)
		slices.SortStableFunc(coordinates, func(a, b asapCoordinate) int {
			return a.Order - b.Order
		})
		switch strings.ToLower(annotation.Type) {
		case "polygon", "spline":
			if len(coordinates) < 3 {
				continue
			}
			ring := make(orb.Ring, 0, len(coordinates)+1)
			for _, coordinate := range coordinates {
				ring = append(ring, orb.Point{coordinate.X, coordinate.Y})
			}
			annotations.Polygons = append(annotations.Polygons, orb.Polygon{closeRing(ring)})
		case "point", "dot":
			for _, coordinate := range coordinates {
				annotations.Points = append(annotations.Points, orb.Point{coordinate.X, coordinate.Y})
			}
		}
	}
	return annotations, nil
}

type quPathObject struct {
	ObjectType string          `json:"objectType"`
	Geometry   json.RawMessage `json:"geometry"`
	ROI        *quPathROI      `json:"roi"`
}

type quPathROI struct {
	Type   string        `json:"type"`
	X      *float64      `json:"x"`
	Y      *float64      `json:"y"`
	Points []quPathPoint `json:"points"`
}

type quPathPoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// Parse parses QuPath JSON data, which is either a list of objects, an object
// with an objects list, or a single object.
func (QuPathParser) Parse(data []byte) (*Annotations, error) {
	var objects []quPathObject
	switch trimmed := strings.TrimSpace(string(data)); {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(data, &objects); err != nil {
			return nil, err
		}
	default:
		var container struct {
			quPathObject
			Objects []quPathObject `json:"objects"`
		}
		if err := json.Unmarshal(data, &container); err != nil {
			return nil, err
		}
		if container.Objects != nil {
			objects = container.Objects
		} else {
			objects = []quPathObject{container.quPathObject}
		}
	}

	annotations := &Annotations{}
	for _, object := range objects {
		switch {
		case len(object.Geometry) != 0 && string(object.Geometry) != "null":
			geometry, err := geojson.UnmarshalGeometry(object.Geometry)
			if err != nil {
				return nil, err
			}
			annotations.add(geometry.Geometry())
		case object.ROI != nil:
			annotations.addQuPathROI(object.ROI)
		}
	}
	return annotations, nil
}

func (a *Annotations) addQuPathROI(roi *quPathROI) {
	var points []orb.Point
	for _, point := range roi.Points {
		if point.X != nil && point.Y != nil {
			points = append(points, orb.Point{*point.X, *point.Y})
		}
	}
	switch roi.Type {
	case "PolygonROI":
		if len(points) >= 3 {
			a.Polygons = append(a.Polygons, orb.Polygon{closeRing(orb.Ring(points))})
		}
	case "PointROI":
		if roi.X != nil && roi.Y != nil {
			a.Points = append(a.Points, orb.Point{*roi.X, *roi.Y})
		}
	case "PointsROI":
		a.Points = append(a.Points, points...)
	}
}

// add adds the polygons and points in geometry to a. Other geometry types are
// ignored.
func (a *Annotations) add(geometry orb.Geometry) {
	switch geometry := geometry.(type) {
	case orb.Polygon:
		if len(geometry) > 0 && len(geometry[0]) >= 3 {
			a.Polygons = append(a.Polygons, geometry)
		}
	case orb.MultiPolygon:
		for _, polygon := range geometry {
			a.add(polygon)
		}
	case orb.Point:
		a.Points = append(a.Points, geometry)
	case orb.MultiPoint:
		a.Points = append(a.Points, geometry...)
	case orb.Collection:
		for _, g := range geometry {
			a.add(g)
		}
	}
}

// closeRing returns ring with its first point appended if it is not already
// closed.
func closeRing(ring orb.Ring) orb.Ring {
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}
