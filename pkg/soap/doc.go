// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package soap builds and parses the SOAP 1.2 envelopes exchanged with the host.

A request envelope carries one operation element in the service namespace.
The operation holds the rendered document in an fStream element (CDATA, kept
byte for byte) followed by the Username and Password elements:

	<?xml version="1.0" encoding="UTF-8"?>
	<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"
	               xmlns:ns="http://services.beacukai.go.id/">
	  <soap:Body>
	    <ns:CoCoTangki>
	      <ns:fStream><![CDATA[<DOCUMENT>...</DOCUMENT>]]></ns:fStream>
	      <ns:Username>TPSDEMO</ns:Username>
	      <ns:Password>secret</ns:Password>
	    </ns:CoCoTangki>
	  </soap:Body>
	</soap:Envelope>

The password travels in clear text inside the body. The host requires it;
transport security is the only protection.

Responses are matched by local name so that any namespace prefix works. Both
SOAP 1.2 (Reason/Text) and SOAP 1.1 (faultstring) faults are recognised.
*/
package soap
