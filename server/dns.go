package server

import (
	"github.com/miekg/dns"
)

// ServeDNS handles an incoming DNS request using the records registered for
// active leases.
func (service *Service) ServeDNS(send dns.ResponseWriter, request *dns.Msg) {
	data := service.DNSData

	if data == nil || len(request.Question) != 1 {
		// Anything we don't know how to handle, we just pass on to the
		// fallback server.
		service.dnsFallback(send, request)

		return
	}

	question := request.Question[0]

	switch question.Qtype {
	case dns.TypeA:
		typeARecord := data.FindA(question.Name)
		if typeARecord != nil {
			service.dnsSendResourceRecord(typeARecord, send, request)
		} else {
			service.dnsSendNonExistentDomain(send, request)
		}

	case dns.TypePTR:
		typePTRRecord := data.FindPTR(question.Name)
		if typePTRRecord != nil {
			service.dnsSendResourceRecord(typePTRRecord, send, request)
		} else {
			service.dnsSendNonExistentDomain(send, request)
		}

	default:
		service.dnsFallback(send, request)
	}
}

func (service *Service) dnsSendResourceRecord(record dns.RR, send dns.ResponseWriter, request *dns.Msg) {
	response := new(dns.Msg)
	response.SetReply(request)
	response.Authoritative = true
	response.Answer = []dns.RR{record}

	send.WriteMsg(response)
}

func (service *Service) dnsSendNonExistentDomain(send dns.ResponseWriter, request *dns.Msg) {
	response := new(dns.Msg)
	response.SetRcode(request, dns.RcodeNameError)

	send.WriteMsg(response)
}

func (service *Service) dnsFallback(send dns.ResponseWriter, request *dns.Msg) {
	if service.dnsFallbackClient == nil {
		service.dnsSendNonExistentDomain(send, request)

		return
	}

	response, _, err := service.dnsFallbackClient.Exchange(request, service.DNSFallbackAddress)
	if err != nil {
		log.Errorf("Unable to forward DNS request %d to '%s': %s",
			request.Id, service.DNSFallbackAddress, err,
		)

		return
	}
	response.Authoritative = false

	err = send.WriteMsg(response)
	if err != nil {
		log.Errorf("Unable to deliver forwarded DNS response %d: %s",
			response.Id, err,
		)
	}
}
