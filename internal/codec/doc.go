// Package codec converts venue wire frames into messages and back.
//
// Wire frames are JSON objects of tag/value pairs keyed by a message-type tag
// (MsgType). Numbers are decoded as json.Number so that integer prices scaled
// by 10^8 are never rounded through float64.
//
// Compact records arrive as positional arrays with their field names carried
// in a sibling Columns array:
//
//	{"MsgType":"U5","Columns":["ClOrdID","OrderID"],"OrdListGrp":[[1,2],[3,4]]}
//
// ExpandGroups zips every such group into ordered Records.
package codec
